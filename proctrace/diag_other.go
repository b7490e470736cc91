//go:build !(linux && amd64)

package proctrace

// Stop-site disassembly is only wired up for linux/amd64.
func (o *Controller) logStopSite() {}
