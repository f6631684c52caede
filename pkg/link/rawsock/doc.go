// Package rawsock implements a link endpoint on an AF_PACKET socket bound
// to a single interface. It is only available on linux.
package rawsock
