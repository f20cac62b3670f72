package powershades

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	// BroadcastAddress is where discovery requests are sent.
	BroadcastAddress = "255.255.255.255"

	defaultDiscoveryWindow = 5 * time.Second
	defaultNameTimeout     = 1 * time.Second
	defaultNameAttempts    = 2
)

// Controller is a controller that answered a discovery broadcast.
type Controller struct {
	// IP is the source address of the reply.
	IP     net.IP
	Port   int
	Serial SerialInfo
	Name   string
}

// Target returns the channel 0 target of the controller.
func (c Controller) Target() Target {
	return Target{Host: c.IP.String(), Port: c.Port}
}

// DiscoverOptions configures Discover.
type DiscoverOptions struct {
	// BroadcastAddress defaults to 255.255.255.255:42.
	BroadcastAddress string
	BindAddress      string
	// Window is how long replies are collected.
	Window time.Duration
	// SkipNames disables the name lookup after discovery.
	SkipNames    bool
	NameTimeout  time.Duration
	NameAttempts int
}

// Discover broadcasts a GetSerial request and collects the controllers that
// reply within the window, de-duplicated by source address. Each controller
// is then asked for its shade name, falling back to the device name.
func Discover(ctx context.Context, opts DiscoverOptions, logger *zap.Logger) ([]Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	broadcast := opts.BroadcastAddress
	if broadcast == "" {
		broadcast = net.JoinHostPort(BroadcastAddress, strconv.Itoa(Port))
	}
	baddr, err := net.ResolveUDPAddr("udp4", broadcast)
	if err != nil {
		return nil, fmt.Errorf("%w: broadcast address %q: %w", ErrAddressUnreachable, broadcast, err)
	}
	bind := opts.BindAddress
	if bind == "" {
		bind = ":0"
	}
	laddr, err := net.ResolveUDPAddr("udp4", bind)
	if err != nil {
		return nil, fmt.Errorf("%w: bind address %q: %w", ErrSocket, bind, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", ErrSocket, bind, err)
	}
	defer conn.Close()

	// unblock reads as soon as the caller gives up
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	query, _ := NewRequest(OpGetSerial, 0, 0).Encode()
	if _, err := conn.WriteToUDP(query, baddr); err != nil {
		return nil, classifyWriteError(baddr, err)
	}

	window := opts.Window
	if window <= 0 {
		window = defaultDiscoveryWindow
	}
	found := make(map[string]Controller)
	err = readReplies(ctx, conn, time.Now().Add(window), func(from *net.UDPAddr, reply *Reply) bool {
		if reply.Kind != ReplySerial {
			return false
		}
		ip := from.IP.String()
		if _, dup := found[ip]; !dup {
			logger.Debug("discovery: controller found", zap.String("ip", ip), zap.Uint64("serial", reply.Serial.Serial))
			found[ip] = Controller{IP: from.IP, Port: from.Port, Serial: *reply.Serial}
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	controllers := make([]Controller, 0, len(found))
	for _, c := range found {
		controllers = append(controllers, c)
	}
	slices.SortFunc(controllers, func(a, b Controller) int {
		return bytes.Compare(a.IP.To16(), b.IP.To16())
	})

	if !opts.SkipNames {
		for i := range controllers {
			name, err := queryName(ctx, conn, controllers[i], uint8(i+1), opts)
			if err != nil {
				logger.Warn("discovery: name lookup failed", zap.String("ip", controllers[i].IP.String()), zap.Error(err))
				continue
			}
			controllers[i].Name = name
		}
	}
	return controllers, nil
}

// queryName asks a controller for its shade name and falls back to the
// gateway device name when the shade name is empty or unanswered.
func queryName(ctx context.Context, conn *net.UDPConn, c Controller, seq uint8, opts DiscoverOptions) (string, error) {
	timeout := opts.NameTimeout
	if timeout <= 0 {
		timeout = defaultNameTimeout
	}
	attempts := opts.NameAttempts
	if attempts <= 0 {
		attempts = defaultNameAttempts
	}
	addr := &net.UDPAddr{IP: c.IP, Port: c.Port}

	var lastErr error
	for _, frame := range []Frame{NewShadeNameQuery(0, seq), NewRequest(OpGetDeviceName, 0, seq)} {
		data, _ := frame.Encode()
		for attempt := 0; attempt < attempts; attempt++ {
			if _, err := conn.WriteToUDP(data, addr); err != nil {
				return "", classifyWriteError(addr, err)
			}
			var name string
			answered := false
			err := readReplies(ctx, conn, time.Now().Add(timeout), func(from *net.UDPAddr, reply *Reply) bool {
				if !from.IP.Equal(c.IP) || reply.Op != frame.Op || reply.Seq != seq || reply.Kind != ReplyName {
					return false
				}
				name, answered = reply.Name, true
				return true
			})
			if err != nil {
				return "", err
			}
			if answered && name != "" {
				return name, nil
			}
			if answered {
				break
			}
			lastErr = fmt.Errorf("%w: %s from %s", ErrTimeout, frame.Op, addr)
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: controller %s has no name", ErrShortPayload, addr)
	}
	return "", lastErr
}

// readReplies decodes datagrams until deadline, ctx cancellation or fn
// returning true. Malformed datagrams are skipped.
func readReplies(ctx context.Context, conn *net.UDPConn, deadline time.Time, fn func(*net.UDPAddr, *Reply) bool) error {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrSocket, err)
	}
	// the cancel hook may have fired before the deadline above replaced its own
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("%w: read: %w", ErrSocket, err)
		}
		reply, err := DecodeReply(buf[:n])
		if err != nil {
			continue
		}
		if fn(from, reply) {
			return nil
		}
	}
}
