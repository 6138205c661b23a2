// Package mcast opens UDP sockets joined to a multicast group.
//
// CoIoT (224.0.1.187:5683) and mDNS (224.0.0.251:5353, ff02::fb) both need
// a socket bound to a well-known port that other processes on the host,
// such as an Avahi daemon, may also hold. Sockets are therefore opened
// with address reuse enabled where the platform supports it.
package mcast
