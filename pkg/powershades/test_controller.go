package powershades

import (
	"net"
	"sync"
)

// TestController is a fake controller listening on the loopback interface.
// Handle returns the raw datagrams to send back to the requester, which
// lets tests reply twice, reply garbage or stay silent.
type TestController struct {
	Handle func(req Frame) [][]byte

	conn     *net.UDPConn
	mu       sync.Mutex
	received []Frame
	wg       sync.WaitGroup
}

// NewTestController starts a fake controller on 127.0.0.1 with an ephemeral port.
func NewTestController(handle func(req Frame) [][]byte) (*TestController, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	c := &TestController{Handle: handle, conn: conn}
	c.wg.Add(1)
	go c.serve()
	return c, nil
}

func (c *TestController) serve() {
	defer c.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, err := DecodeFrame(buf[:n])
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.received = append(c.received, req)
		handle := c.Handle
		c.mu.Unlock()
		if handle == nil {
			continue
		}
		for _, out := range handle(req) {
			_, _ = c.conn.WriteToUDP(out, from)
		}
	}
}

// Target returns the target for a channel of this controller.
func (c *TestController) Target(channel uint8) Target {
	addr := c.conn.LocalAddr().(*net.UDPAddr)
	return Target{Host: addr.IP.String(), Port: addr.Port, Channel: channel}
}

// Send writes raw bytes to addr from the controller socket, as a status push would.
func (c *TestController) Send(addr *net.UDPAddr, data []byte) error {
	_, err := c.conn.WriteToUDP(data, addr)
	return err
}

// Received returns the decoded requests seen so far.
func (c *TestController) Received() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.received))
	copy(out, c.received)
	return out
}

func (c *TestController) Close() error {
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// MustEncode encodes f and panics on error. For fakes and tests only.
func MustEncode(f Frame) []byte {
	data, err := f.Encode()
	if err != nil {
		panic(err)
	}
	return data
}
