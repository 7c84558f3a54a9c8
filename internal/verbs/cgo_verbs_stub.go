//go:build !rdma_cgo
// +build !rdma_cgo

package verbs

// openDevice resolves to the software simulation in this build. Build
// with -tags rdma_cgo to open a real libibverbs device instead.
func openDevice(name string, sendDepth, recvDepth int) (Device, error) {
	return newSimDevice(name, sendDepth, recvDepth)
}
