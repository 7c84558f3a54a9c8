//go:build rdma_cgo
// +build rdma_cgo

// Package verbs, in this file, talks to real hardware through
// libibverbs via cgo: ibv_open_device, ibv_alloc_pd, ibv_create_cq,
// ibv_create_qp, ibv_post_send, ibv_post_recv, and ibv_poll_cq.
package verbs

/*
#cgo LDFLAGS: -libverbs
#include <infiniband/verbs.h>
#include <stdlib.h>
#include <string.h>

static struct ibv_sge make_sge(uint64_t addr, uint32_t length, uint32_t lkey) {
	struct ibv_sge sge;
	memset(&sge, 0, sizeof(sge));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;
	return sge;
}

static int post_send_wr(struct ibv_qp *qp, uint64_t wr_id, struct ibv_sge *sge) {
	struct ibv_send_wr wr, *bad_wr = NULL;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = sge;
	wr.num_sge = 1;
	wr.opcode = IBV_WR_SEND;
	wr.send_flags = IBV_SEND_SIGNALED;
	return ibv_post_send(qp, &wr, &bad_wr);
}

static int post_recv_wr(struct ibv_qp *qp, uint64_t wr_id, struct ibv_sge *sge) {
	struct ibv_recv_wr wr, *bad_wr = NULL;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = sge;
	wr.num_sge = 1;
	return ibv_post_recv(qp, &wr, &bad_wr);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

type cgoDevice struct {
	ctx  *C.struct_ibv_context
	pd   *C.struct_ibv_pd
	sq   *C.struct_ibv_cq // send completion queue
	rq   *C.struct_ibv_cq // receive completion queue
	port C.uint8_t
	mu   sync.Mutex
}

func openDevice(name string, sendDepth, recvDepth int) (Device, error) {
	var numDevices C.int
	list := C.ibv_get_device_list(&numDevices)
	if list == nil || numDevices == 0 {
		return nil, ErrNoDevice
	}
	defer C.ibv_free_device_list(list)

	devices := unsafe.Slice(list, int(numDevices))
	var chosen *C.struct_ibv_device
	for _, dev := range devices {
		devName := C.GoString(C.ibv_get_device_name(dev))
		if name == "" || devName == name {
			chosen = dev
			break
		}
	}
	if chosen == nil {
		return nil, ErrNoDevice
	}

	ctx := C.ibv_open_device(chosen)
	if ctx == nil {
		return nil, fmt.Errorf("verbs: ibv_open_device failed for %s", name)
	}

	pd := C.ibv_alloc_pd(ctx)
	if pd == nil {
		C.ibv_close_device(ctx)
		return nil, fmt.Errorf("verbs: ibv_alloc_pd failed")
	}

	sq := C.ibv_create_cq(ctx, C.int(sendDepth), nil, nil, 0)
	if sq == nil {
		C.ibv_dealloc_pd(pd)
		C.ibv_close_device(ctx)
		return nil, fmt.Errorf("verbs: ibv_create_cq (send) failed")
	}

	rq := C.ibv_create_cq(ctx, C.int(recvDepth), nil, nil, 0)
	if rq == nil {
		C.ibv_destroy_cq(sq)
		C.ibv_dealloc_pd(pd)
		C.ibv_close_device(ctx)
		return nil, fmt.Errorf("verbs: ibv_create_cq (recv) failed")
	}

	return &cgoDevice{ctx: ctx, pd: pd, sq: sq, rq: rq, port: 1}, nil
}

func (d *cgoDevice) CreateQueuePair() (QueuePair, error) {
	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = d.sq
	attr.recv_cq = d.rq
	attr.qp_type = C.IBV_QPT_RC
	attr.cap.max_send_wr = 64
	attr.cap.max_recv_wr = 64
	attr.cap.max_send_sge = 1
	attr.cap.max_recv_sge = 1

	qp := C.ibv_create_qp(d.pd, &attr)
	if qp == nil {
		return nil, fmt.Errorf("verbs: ibv_create_qp failed")
	}

	if err := initQP(qp, d.port); err != nil {
		C.ibv_destroy_qp(qp)
		return nil, err
	}

	var portAttr C.struct_ibv_port_attr
	C.ibv_query_port(d.ctx, d.port, &portAttr)

	return &cgoQP{dev: d, qp: qp, pd: d.pd, lid: uint16(portAttr.lid), psn: 0}, nil
}

func initQP(qp *C.struct_ibv_qp, port C.uint8_t) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = port
	attr.qp_access_flags = C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_READ

	mask := C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT | C.IBV_QP_ACCESS_FLAGS
	if rc := C.ibv_modify_qp(qp, &attr, C.int(mask)); rc != 0 {
		return fmt.Errorf("verbs: ibv_modify_qp(INIT) failed: %d", rc)
	}
	return nil
}

// PollSendCompletions polls the send completion queue only, so a caller
// running it on its own goroutine reclaims send buffers regardless of
// how far behind the receive side is.
func (d *cgoDevice) PollSendCompletions(max int) ([]WorkCompletion, error) {
	return pollCQ(d.sq, max, OpSend)
}

// PollRecvCompletions polls the receive completion queue only.
func (d *cgoDevice) PollRecvCompletions(max int) ([]WorkCompletion, error) {
	return pollCQ(d.rq, max, OpRecv)
}

func pollCQ(cq *C.struct_ibv_cq, max int, fallbackOp Opcode) ([]WorkCompletion, error) {
	if max <= 0 {
		return nil, nil
	}
	wcs := make([]C.struct_ibv_wc, max)
	n := C.ibv_poll_cq(cq, C.int(max), &wcs[0])
	if n < 0 {
		return nil, fmt.Errorf("verbs: ibv_poll_cq failed")
	}
	out := make([]WorkCompletion, 0, n)
	for i := 0; i < int(n); i++ {
		wc := wcs[i]
		op := fallbackOp
		switch wc.opcode {
		case C.IBV_WC_SEND:
			op = OpSend
		case C.IBV_WC_RECV:
			op = OpRecv
		}
		out = append(out, WorkCompletion{
			WRID:    uint64(wc.wr_id),
			Opcode:  op,
			Success: wc.status == C.IBV_WC_SUCCESS,
			Bytes:   int(wc.byte_len),
		})
	}
	return out, nil
}

func (d *cgoDevice) Close() error {
	C.ibv_destroy_cq(d.sq)
	C.ibv_destroy_cq(d.rq)
	C.ibv_dealloc_pd(d.pd)
	C.ibv_close_device(d.ctx)
	return nil
}

type cgoQP struct {
	dev *cgoDevice
	qp  *C.struct_ibv_qp
	pd  *C.struct_ibv_pd
	lid uint16
	psn uint32
}

func (q *cgoQP) LocalEndpoint() Endpoint {
	return Endpoint{LID: q.lid, QPN: uint32(q.qp.qp_num), PSN: q.psn}
}

func (q *cgoQP) Connect(remote Endpoint) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.IBV_MTU_1024
	attr.dest_qp_num = C.uint32_t(remote.QPN)
	attr.rq_psn = C.uint32_t(remote.PSN)
	attr.max_dest_rd_atomic = 1
	attr.min_rnr_timer = 12
	attr.ah_attr.dlid = C.uint16_t(remote.LID)
	attr.ah_attr.port_num = 1

	mask := C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN |
		C.IBV_QP_RQ_PSN | C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER
	if rc := C.ibv_modify_qp(q.qp, &attr, C.int(mask)); rc != 0 {
		return fmt.Errorf("verbs: ibv_modify_qp(RTR) failed: %d", rc)
	}

	var rtsAttr C.struct_ibv_qp_attr
	rtsAttr.qp_state = C.IBV_QPS_RTS
	rtsAttr.timeout = 14
	rtsAttr.retry_cnt = 7
	rtsAttr.rnr_retry = 7
	rtsAttr.sq_psn = C.uint32_t(q.psn)
	rtsAttr.max_rd_atomic = 1

	rtsMask := C.IBV_QP_STATE | C.IBV_QP_TIMEOUT | C.IBV_QP_RETRY_CNT |
		C.IBV_QP_RNR_RETRY | C.IBV_QP_SQ_PSN | C.IBV_QP_MAX_QP_RD_ATOMIC
	if rc := C.ibv_modify_qp(q.qp, &rtsAttr, C.int(rtsMask)); rc != 0 {
		return fmt.Errorf("verbs: ibv_modify_qp(RTS) failed: %d", rc)
	}
	return nil
}

func (q *cgoQP) PostSend(wrid uint64, buf []byte) error {
	mr := C.ibv_reg_mr(q.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.IBV_ACCESS_LOCAL_WRITE)
	if mr == nil {
		return fmt.Errorf("verbs: ibv_reg_mr failed")
	}
	defer C.ibv_dereg_mr(mr)

	sge := C.make_sge(C.uint64_t(uintptr(unsafe.Pointer(&buf[0]))), C.uint32_t(len(buf)), mr.lkey)
	if rc := C.post_send_wr(q.qp, C.uint64_t(wrid), &sge); rc != 0 {
		return fmt.Errorf("verbs: ibv_post_send failed: %d", rc)
	}
	return nil
}

func (q *cgoQP) PostRecv(wrid uint64, buf []byte) error {
	mr := C.ibv_reg_mr(q.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.IBV_ACCESS_LOCAL_WRITE)
	if mr == nil {
		return fmt.Errorf("verbs: ibv_reg_mr failed")
	}
	defer C.ibv_dereg_mr(mr)

	sge := C.make_sge(C.uint64_t(uintptr(unsafe.Pointer(&buf[0]))), C.uint32_t(len(buf)), mr.lkey)
	if rc := C.post_recv_wr(q.qp, C.uint64_t(wrid), &sge); rc != 0 {
		return fmt.Errorf("verbs: ibv_post_recv failed: %d", rc)
	}
	return nil
}

func (q *cgoQP) Close() error {
	if rc := C.ibv_destroy_qp(q.qp); rc != 0 {
		return fmt.Errorf("verbs: ibv_destroy_qp failed: %d", rc)
	}
	return nil
}
