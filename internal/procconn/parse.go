package procconn

import (
	"encoding/binary"
	"log/slog"

	"github.com/mrzor/activity-monitor/internal/dispatch"
	"github.com/mrzor/activity-monitor/internal/event"
	"github.com/mrzor/activity-monitor/internal/tracking"
)

// Connector constants from linux/connector.h and linux/cn_proc.h.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches C/kernel conventions
const (
	_CN_IDX_PROC = 0x1
	_CN_VAL_PROC = 0x1

	_PROC_EVENT_FORK = 0x00000001
	_PROC_EVENT_EXEC = 0x00000002
	_PROC_EVENT_EXIT = 0x80000000

	_PROC_CN_MCAST_LISTEN = 1
	_PROC_CN_MCAST_IGNORE = 2

	_NETLINK_CONNECTOR = 11
	_NLMSG_DONE        = 3
)

// Wire sizes of the headers preceding the event body.
const (
	nlMsgHdrLen     = 16
	cnMsgHdrLen     = 20
	procEventHdrLen = 16 // what, cpu, timestamp_ns
	bodyOffset      = nlMsgHdrLen + cnMsgHdrLen + procEventHdrLen
)

// notification is a decoded proc connector event. Fields that the event
// type does not carry are zero.
type notification struct {
	what       uint32
	pid        uint32
	tgid       uint32
	parentPID  uint32
	parentTGID uint32
}

// parseDatagram splits a netlink datagram into its proc events. Unknown
// event types and truncated messages are skipped.
func parseDatagram(buf []byte) []notification {
	var out []notification
	for len(buf) >= nlMsgHdrLen {
		msgLen := int(binary.LittleEndian.Uint32(buf[0:4]))
		if msgLen < nlMsgHdrLen || msgLen > len(buf) {
			break
		}
		if n, ok := parseMessage(buf[:msgLen]); ok {
			out = append(out, n)
		}

		// Messages are 4-byte aligned.
		next := (msgLen + 3) &^ 3
		if next >= len(buf) {
			break
		}
		buf = buf[next:]
	}
	return out
}

func parseMessage(msg []byte) (notification, bool) {
	if len(msg) < bodyOffset {
		return notification{}, false
	}
	le := binary.LittleEndian
	n := notification{what: le.Uint32(msg[nlMsgHdrLen+cnMsgHdrLen:])}
	body := msg[bodyOffset:]

	switch n.what {
	case _PROC_EVENT_FORK:
		// parent_pid, parent_tgid, child_pid, child_tgid
		if len(body) < 16 {
			return notification{}, false
		}
		n.parentPID = le.Uint32(body[0:])
		n.parentTGID = le.Uint32(body[4:])
		n.pid = le.Uint32(body[8:])
		n.tgid = le.Uint32(body[12:])

	case _PROC_EVENT_EXEC:
		// process_pid, process_tgid
		if len(body) < 8 {
			return notification{}, false
		}
		n.pid = le.Uint32(body[0:])
		n.tgid = le.Uint32(body[4:])

	case _PROC_EVENT_EXIT:
		// process_pid, process_tgid, exit_code, exit_signal,
		// then parent_pid, parent_tgid on kernels that report them.
		if len(body) < 8 {
			return notification{}, false
		}
		n.pid = le.Uint32(body[0:])
		n.tgid = le.Uint32(body[4:])
		if len(body) >= 24 {
			n.parentPID = le.Uint32(body[16:])
			n.parentTGID = le.Uint32(body[20:])
		}

	default:
		return notification{}, false
	}
	return n, true
}

// route delivers a notification to the handler.
func route(n notification, h dispatch.Handler, resolver tracking.ImageResolver) {
	switch n.what {
	case _PROC_EVENT_FORK:
		if n.pid == n.tgid {
			h.ProcessLifecycle(n.parentTGID, n.tgid, true)
		} else {
			h.ThreadLifecycle(n.tgid, n.pid, true)
		}

	case _PROC_EVENT_EXEC:
		path, err := resolver.ImagePath(tracking.PID(n.tgid))
		if err != nil {
			slog.Debug("exec without resolvable image", "pid", n.tgid, "error", err)
			return
		}
		h.ImageLoad(path, n.tgid, event.ImageInfo{})

	case _PROC_EVENT_EXIT:
		if n.pid == n.tgid {
			h.ProcessLifecycle(n.parentTGID, n.pid, false)
		} else {
			h.ThreadLifecycle(n.tgid, n.pid, false)
		}
	}
}

// subscription builds the control message that starts or stops event
// delivery: nlmsghdr + cn_msg + op.
func subscription(listen bool, portID uint32) []byte {
	op := uint32(_PROC_CN_MCAST_IGNORE)
	if listen {
		op = _PROC_CN_MCAST_LISTEN
	}

	const size = nlMsgHdrLen + cnMsgHdrLen + 4
	buf := make([]byte, size)
	le := binary.LittleEndian

	le.PutUint32(buf[0:], size)
	le.PutUint16(buf[4:], _NLMSG_DONE)
	le.PutUint16(buf[6:], 0)
	le.PutUint32(buf[8:], 1)
	le.PutUint32(buf[12:], portID)

	le.PutUint32(buf[16:], _CN_IDX_PROC)
	le.PutUint32(buf[20:], _CN_VAL_PROC)
	le.PutUint32(buf[24:], 1)
	le.PutUint32(buf[28:], 0)
	le.PutUint16(buf[32:], 4)
	le.PutUint16(buf[34:], 0)

	le.PutUint32(buf[36:], op)
	return buf
}
