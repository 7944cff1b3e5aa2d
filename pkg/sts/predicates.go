package sts

import (
	"strings"

	"github.com/StricklySoft/cell-sts/pkg/token"
)

// Naming conventions of the mesh. Cell workloads are named
// <cell>--<service>; the gateway of a cell runs as
// <cell>--gateway-deployment-<suffix> and is addressed as
// <cell>--gateway-service.
const (
	cellSeparator           = "--"
	gatewayServiceSuffix    = "--gateway-service"
	gatewayDeploymentSuffix = "--gateway-deployment-"
)

// CellIdentity is the name of the cell this STS serves.
type CellIdentity struct {
	Name string
}

// IssuerName returns "<cell>--sts-service".
func (c CellIdentity) IssuerName() string {
	return IssuerNameForCell(c.Name)
}

// IssuerNameForCell returns the token issuer name of cell.
func IssuerNameForCell(cell string) string {
	return token.IssuerForCell(cell)
}

// IsGatewayService reports whether workload is the gateway service of
// cell, the destination of every call entering the cell.
func IsGatewayService(cell, workload string) bool {
	return cell != "" && strings.HasPrefix(workload, cell+gatewayServiceSuffix)
}

// IsGatewayDeployment reports whether workload is a pod of cell's
// gateway.
func IsGatewayDeployment(cell, workload string) bool {
	return cell != "" && strings.HasPrefix(workload, cell+gatewayDeploymentSuffix)
}

// IsExternal reports whether workload lies outside the mesh, which is the
// case whenever its name lacks the "--" separator.
func IsExternal(workload string) bool {
	return !strings.Contains(workload, cellSeparator)
}
