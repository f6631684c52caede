// Package repl implements the interactive command loop of a host.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/pkg/errors"

	"rawtcp/pkg/host"
	"rawtcp/pkg/iptcpstack"
	"rawtcp/pkg/socket"
)

const help = `Commands:
  li                     show the interface
  arp                    list the ARP cache
  ls                     list sockets
  a <port>               listen on port and accept connections
  c <ip> <port>          connect
  s <sid> <data>         send data
  r <sid> <n>            read up to n bytes
  cl <sid>               close a socket
  sf <file> <ip> <port>  send a file
  rf <file> <port>       receive a file
  q                      quit
`

// syncWriter serialises output from the command loop and background
// transfers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(b)
}

type repl struct {
	ctx context.Context
	h   *host.Host
	out *syncWriter
	wg  sync.WaitGroup
}

// Run reads commands from in until q, end of input or ctx is done.
// Background accepts and file transfers are cancelled on return.
func Run(ctx context.Context, h *host.Host, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	r := &repl{ctx: ctx, h: h, out: &syncWriter{w: out}}
	defer r.wg.Wait()
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(r.out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "q" {
			return nil
		}
		if err := r.exec(fields, line); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

func (r *repl) exec(fields []string, line string) error {
	tcp := r.h.TCP()
	switch fields[0] {
	case "li":
		cfg := r.h.Config()
		w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
		fmt.Fprintln(w, "Name\tAddr\tMAC\tSubnet\tGateway")
		gw := "-"
		if cfg.Gateway.IsValid() {
			gw = cfg.Gateway.String()
		}
		fmt.Fprintf(w, "%s\t%v\t%v\t%v\t%s\n", cfg.Interface, cfg.LocalIP, cfg.LocalMAC, cfg.Subnet, gw)
		return w.Flush()

	case "arp":
		entries, err := r.h.ARPEntries()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
		fmt.Fprintln(w, "IP\tMAC\tExpires")
		for _, e := range entries {
			exp := "static"
			if !e.Expires.IsZero() {
				exp = e.Expires.Format("15:04:05")
			}
			fmt.Fprintf(w, "%v\t%v\t%s\n", e.IP, e.MAC, exp)
		}
		return w.Flush()

	case "ls":
		socks, err := tcp.Sockets()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
		fmt.Fprintln(w, "SID\tLAddr\tLPort\tRAddr\tRPort\tStatus")
		for _, si := range socks {
			raddr, rport := "*", "*"
			if si.Remote.IsValid() {
				raddr, rport = si.Remote.Addr().String(), strconv.Itoa(int(si.Remote.Port()))
			}
			status := si.State.String()
			if si.State == iptcpstack.SocketTCBCreated {
				status = si.TCPState.String()
			}
			fmt.Fprintf(w, "%d\t%v\t%d\t%s\t%s\t%s\n", si.SID, si.Local.Addr(), si.Local.Port(), raddr, rport, status)
		}
		return w.Flush()

	case "a":
		if len(fields) != 2 {
			return errors.New("usage: a <port>")
		}
		port, err := parsePort(fields[1])
		if err != nil {
			return err
		}
		l, err := socket.VListen(tcp, port)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Listening on port %d with socket %d\n", port, l.SID)
		r.background(func() {
			for {
				conn, err := l.VAcceptContext(r.ctx)
				if err != nil {
					if r.ctx.Err() == nil {
						fmt.Fprintf(r.out, "accept on socket %d: %v\n", l.SID, err)
					}
					return
				}
				fmt.Fprintf(r.out, "New connection on socket %d from %v\n", conn.SID, conn.Remote)
			}
		})
		return nil

	case "c":
		if len(fields) != 3 {
			return errors.New("usage: c <ip> <port>")
		}
		addr, port, err := parseAddrPort(fields[1], fields[2])
		if err != nil {
			return err
		}
		conn, err := socket.VConnect(r.ctx, tcp, addr, port)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Created new socket with ID %d\n", conn.SID)
		return nil

	case "s":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return errors.New("usage: s <sid> <data>")
		}
		sid, err := strconv.Atoi(parts[1])
		if err != nil {
			return errors.Wrap(err, "bad socket id")
		}
		n, err := tcp.Write(r.ctx, sid, []byte(parts[2]))
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Sent %d bytes\n", n)
		return nil

	case "r":
		if len(fields) != 3 {
			return errors.New("usage: r <sid> <n>")
		}
		sid, err := strconv.Atoi(fields[1])
		if err != nil {
			return errors.Wrap(err, "bad socket id")
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil || n <= 0 {
			return errors.Errorf("bad byte count %q", fields[2])
		}
		buf := make([]byte, n)
		got, err := tcp.Read(r.ctx, sid, buf)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out, "EOF")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Read %d bytes: %s\n", got, buf[:got])
		return nil

	case "cl":
		if len(fields) != 2 {
			return errors.New("usage: cl <sid>")
		}
		sid, err := strconv.Atoi(fields[1])
		if err != nil {
			return errors.Wrap(err, "bad socket id")
		}
		return tcp.Close(sid)

	case "sf":
		if len(fields) != 4 {
			return errors.New("usage: sf <file> <ip> <port>")
		}
		addr, port, err := parseAddrPort(fields[2], fields[3])
		if err != nil {
			return err
		}
		path := fields[1]
		r.background(func() {
			n, err := socket.SendFile(r.ctx, tcp, path, addr, port)
			if err != nil {
				fmt.Fprintf(r.out, "sf: %v\n", err)
				return
			}
			fmt.Fprintf(r.out, "Sent %d total bytes\n", n)
		})
		return nil

	case "rf":
		if len(fields) != 3 {
			return errors.New("usage: rf <file> <port>")
		}
		port, err := parsePort(fields[2])
		if err != nil {
			return err
		}
		path := fields[1]
		r.background(func() {
			n, err := socket.ReceiveFile(r.ctx, tcp, path, port)
			if err != nil {
				fmt.Fprintf(r.out, "rf: %v\n", err)
				return
			}
			fmt.Fprintf(r.out, "Received %d total bytes\n", n)
		})
		return nil

	case "h", "help":
		_, err := io.WriteString(r.out, help)
		return err
	}
	return errors.Errorf("unknown command %q", fields[0])
}

func (r *repl) background(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return 0, errors.Errorf("bad port %q", s)
	}
	return uint16(p), nil
}

func parseAddrPort(ip, port string) (netip.Addr, uint16, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.Addr{}, 0, errors.Wrap(err, "bad address")
	}
	p, err := parsePort(port)
	return addr, p, err
}
