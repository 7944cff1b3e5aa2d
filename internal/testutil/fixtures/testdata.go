// Package fixtures holds the shared names used by the cell-sts tests so
// that scenarios read the same in every package.
package fixtures

// Cells taking part in the standard scenarios.
const (
	CellA = "cella"
	CellB = "cellb"
	CellC = "cellc"
)

// Workload names following the <cell>--<service> convention.
const (
	CellAService     = "cella--orders"
	CellBGateway     = "cellb--gateway-service"
	CellBGatewayPod  = "cellb--gateway-deployment-7d9f8c"
	CellBService     = "cellb--hr"
	CellBOtherSvc    = "cellb--payroll"
	CellCService     = "cellc--stock"
	ExternalWorkload = "api.github.com"
)

// Identity values.
const (
	Subject   = "alice"
	RequestID = "5f0c8e2e-4c4b-4f3e-9a36-0b7c1d4e2a11"
)

// UnsecuredPaths is a representative allow-list.
var UnsecuredPaths = []string{"/healthz", "/public/*"}
