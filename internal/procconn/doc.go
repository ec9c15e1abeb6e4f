// Package procconn feeds process and thread lifecycle notifications from
// the Linux proc connector into a dispatch.Handler.
//
// The connector reports every fork, exec and exit on the host over a
// NETLINK_CONNECTOR socket. Requires CAP_NET_ADMIN or root.
//
//	fork  child pid == child tgid   ProcessLifecycle(parent tgid, child tgid, true)
//	fork  otherwise                 ThreadLifecycle(child tgid, child pid, true)
//	exec                            ImageLoad(exe path, tgid, {})
//	exit  pid == tgid               ProcessLifecycle(parent tgid, pid, false)
//	exit  otherwise                 ThreadLifecycle(tgid, pid, false)
//
// The connector carries no filesystem or registry activity; pair it with
// the eBPF source for file operations.
package procconn
