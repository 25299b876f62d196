package fastboot

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"

	"fastflash/internal/config"
	"fastflash/internal/logging"
	"fastflash/pkg/sparse"
	"fastflash/pkg/usbtransport"
)

// Client orchestrates a single Fastboot session over a usbtransport.
// Transport (C4). It owns the transport exclusively: operations are
// serialized on the client, matching the single-threaded cooperative
// scheduling model of spec.md §5.
type Client struct {
	cfg *config.Config
	log *logging.Logger

	mu        sync.Mutex
	transport usbtransport.Transport
	healthy   bool

	variables       map[string]string
	maxDownloadSize uint64
}

// New creates a disconnected client. Call Connect to claim a transport.
func New(cfg *config.Config, log *logging.Logger) *Client {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logging.Default
	}
	return &Client{cfg: cfg, log: log, variables: map[string]string{}}
}

// Connect adopts an already-opened transport and refreshes the variable
// cache via getvar:all.
func (c *Client) Connect(ctx context.Context, t usbtransport.Transport) error {
	c.mu.Lock()
	c.transport = t
	c.healthy = true
	c.mu.Unlock()

	_, err := c.GetVarAll()
	return err
}

// Connected reports whether the client currently owns a healthy transport.
// Per spec.md §8 invariant 5, a transport fault or Disconnect clears this
// until the next successful Connect.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil && c.healthy
}

// Disconnect releases the transport and clears the variable cache. It is
// always safe to call, including after a prior failure.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.healthy = false
	c.variables = map[string]string{}
	c.maxDownloadSize = 0
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}

func (c *Client) requireConnected() (usbtransport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil || !c.healthy {
		return nil, ErrNotConnected
	}
	return c.transport, nil
}

// markUnhealthy marks the session unhealthy after a transport fault,
// per spec.md §7 propagation policy: further operations fail fast with
// ErrNotConnected until the caller reconnects.
func (c *Client) markUnhealthy() {
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()
}

// sendCommand runs one complete Fastboot transaction: send cmd, then read
// frames until a terminal OKAY/FAIL, forwarding INFO/TEXT to the logger.
// It returns the terminal Response.
func (c *Client) sendCommand(ctx context.Context, cmd string) (Response, error) {
	t, err := c.requireConnected()
	if err != nil {
		return Response{}, err
	}
	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	payload, err := EncodeCommand(cmd)
	if err != nil {
		return Response{}, err
	}

	controlCtx, cancel := context.WithTimeout(ctx, c.cfg.ControlTimeout)
	defer cancel()

	if _, err := t.Write(controlCtx, payload); err != nil {
		c.markUnhealthy()
		return Response{}, wrapTransportErr(err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return Response{}, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		frame, err := t.Read(controlCtx, 256)
		if err != nil {
			c.markUnhealthy()
			return Response{}, wrapTransportErr(err)
		}
		resp, err := DecodeResponse(frame)
		if err != nil {
			c.markUnhealthy()
			return Response{}, err
		}
		switch resp.Tag {
		case TagInfo, TagText:
			c.log.Infof("device: %s", resp.Message)
			continue
		default:
			return resp, nil
		}
	}
}

func wrapTransportErr(err error) error {
	switch {
	case err == usbtransport.ErrTimeout:
		return &TransportError{Kind: TransportTimeout, Err: err}
	case err == usbtransport.ErrStall:
		return &TransportError{Kind: TransportStall, Err: err}
	case err == usbtransport.ErrDisconnected:
		return &TransportError{Kind: TransportDisconnected, Err: err}
	default:
		return &TransportError{Kind: TransportIO, Err: err}
	}
}

func terminalErr(resp Response) error {
	if resp.Tag == TagFail {
		return &DeviceRejectedError{Message: resp.Message}
	}
	return nil
}

// GetVar issues getvar:<name> (spec.md §4.4).
func (c *Client) GetVar(ctx context.Context, name string) (string, error) {
	resp, err := c.sendCommand(ctx, "getvar:"+name)
	if err != nil {
		return "", err
	}
	if err := terminalErr(resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// GetVarAll issues getvar:all, collects every INFO "k:v" line into the
// session's variable cache (replacing it wholesale), and re-derives
// max-download-size. Apart from Disconnect, which clears it, it is the only
// operation that writes c.variables.
func (c *Client) GetVarAll() (map[string]string, error) {
	t, err := c.requireConnected()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ControlTimeout)
	defer cancel()

	payload, _ := EncodeCommand("getvar:all")
	if _, err := t.Write(ctx, payload); err != nil {
		c.markUnhealthy()
		return nil, wrapTransportErr(err)
	}

	vars := map[string]string{}
	for {
		frame, err := t.Read(ctx, 256)
		if err != nil {
			c.markUnhealthy()
			return nil, wrapTransportErr(err)
		}
		resp, err := DecodeResponse(frame)
		if err != nil {
			c.markUnhealthy()
			return nil, err
		}
		switch resp.Tag {
		case TagInfo, TagText:
			k, v, ok := strings.Cut(resp.Message, ":")
			if ok {
				vars[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
			}
		case TagOkay:
			c.mu.Lock()
			c.variables = vars
			c.maxDownloadSize = deriveMaxDownloadSize(vars, c.cfg.DefaultMaxDownloadSize, c.log)
			c.mu.Unlock()
			return vars, nil
		case TagFail:
			return nil, &DeviceRejectedError{Message: resp.Message}
		default:
			return nil, &ProtocolError{Kind: UnknownTag, Detail: string(resp.Tag)}
		}
	}
}

func deriveMaxDownloadSize(vars map[string]string, fallback uint64, log *logging.Logger) uint64 {
	v, ok := vars["max-download-size"]
	if !ok {
		log.Warnf("device did not report max-download-size, assuming %d bytes", fallback)
		return fallback
	}
	n, ok := parseUintVar(v)
	if !ok || n == 0 {
		log.Warnf("device reported unparseable max-download-size %q, assuming %d bytes", v, fallback)
		return fallback
	}
	return n
}

// MaxDownloadSize returns the cached device-advertised DATA-phase limit.
func (c *Client) MaxDownloadSize() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxDownloadSize
}

// checkMemoryHeadroom implements the host resource guard (SPEC_FULL.md
// A3): refuses to attempt an allocation that would eat into the
// configured minimum free-memory margin.
func (c *Client) checkMemoryHeadroom(want uint64) error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		// Can't introspect host memory; proceed rather than block a
		// transfer on a monitoring failure.
		c.log.Warnf("host memory check unavailable: %v", err)
		return nil
	}
	if vm.Available < want+c.cfg.MinFreeMemoryBytes {
		return ErrOutOfMemory
	}
	return nil
}

// download runs one DATA-phase transaction: download:<hex8>, expect
// DATA(n==len), bulk-write data in transport-sized chunks while reporting
// byte-level progress, then the terminal OKAY/FAIL (spec.md §4.4).
// baseSent is the count of bytes already flashed by prior sub-images, so
// BytesSent/Percent stay monotonic across the whole flash_partition call
// (spec.md §8 invariant 4), not just within this one sub-image.
func (c *Client) download(ctx context.Context, data []byte, emit *progressEmitter, p Progress, baseSent uint64) error {
	if err := c.checkMemoryHeadroom(uint64(len(data))); err != nil {
		return err
	}

	resp, err := c.sendCommand(ctx, "download:"+EncodeDataLength(uint32(len(data))))
	if err != nil {
		return err
	}
	if err := terminalErr(resp); err != nil {
		return err
	}
	if resp.Tag != TagData || resp.Length != uint32(len(data)) {
		return &ProtocolError{Kind: BadDataLength, Detail: fmt.Sprintf("device asked for %d, have %d", resp.Length, len(data))}
	}

	t, err := c.requireConnected()
	if err != nil {
		return err
	}

	dataCtx, cancel := context.WithTimeout(ctx, c.cfg.DataTimeout)
	defer cancel()

	const chunkSize = 16 * 1024
	sent := 0
	for sent < len(data) {
		if err := ctx.Err(); err != nil {
			// Finish the in-flight packet boundary, then close: the
			// device is left in an indeterminate state (spec.md §5).
			c.Disconnect()
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		end := sent + chunkSize
		if end > len(data) {
			end = len(data)
		}
		n, err := t.Write(dataCtx, data[sent:end])
		sent += n
		speed := emit.recordBytes(n)
		p.BytesSent = baseSent + uint64(sent)
		if p.TotalBytes > 0 {
			p.Percent = float64(p.BytesSent) / float64(p.TotalBytes) * 100
		}
		p.SpeedBps = speed
		emit.emitBytes(p, sent >= len(data))
		if err != nil {
			c.markUnhealthy()
			return wrapTransportErr(err)
		}
	}

	resp, err = c.readTerminal(dataCtx)
	if err != nil {
		return err
	}
	return terminalErr(resp)
}

func (c *Client) readTerminal(ctx context.Context) (Response, error) {
	t, err := c.requireConnected()
	if err != nil {
		return Response{}, err
	}
	for {
		frame, err := t.Read(ctx, 256)
		if err != nil {
			c.markUnhealthy()
			return Response{}, wrapTransportErr(err)
		}
		resp, err := DecodeResponse(frame)
		if err != nil {
			c.markUnhealthy()
			return Response{}, err
		}
		if resp.Tag == TagInfo || resp.Tag == TagText {
			c.log.Infof("device: %s", resp.Message)
			continue
		}
		return resp, nil
	}
}

// Flash issues flash:<partition> (spec.md §4.4).
func (c *Client) Flash(ctx context.Context, partition string) error {
	resp, err := c.sendCommand(ctx, "flash:"+partition)
	if err != nil {
		return err
	}
	return terminalErr(resp)
}

// Erase issues erase:<partition>.
func (c *Client) Erase(ctx context.Context, partition string) error {
	resp, err := c.sendCommand(ctx, "erase:"+partition)
	if err != nil {
		return err
	}
	return terminalErr(resp)
}

// SetActive issues set_active:<slot>.
func (c *Client) SetActive(ctx context.Context, slot string) error {
	resp, err := c.sendCommand(ctx, "set_active:"+slot)
	if err != nil {
		return err
	}
	return terminalErr(resp)
}

// RebootKind selects which reboot* command to issue.
type RebootKind int

const (
	RebootNormal RebootKind = iota
	RebootBootloader
	RebootFastbootMode
	RebootRecovery
)

// Reboot issues the matching reboot* command. A subsequent disconnect is
// expected and not treated as an error (spec.md §4.4, §5).
func (c *Client) Reboot(ctx context.Context, kind RebootKind) error {
	cmd := map[RebootKind]string{
		RebootNormal:       "reboot",
		RebootBootloader:   "reboot-bootloader",
		RebootFastbootMode: "reboot-fastboot",
		RebootRecovery:     "reboot-recovery",
	}[kind]

	rebootCtx, cancel := context.WithTimeout(ctx, c.cfg.RebootTimeout)
	defer cancel()

	resp, err := c.sendCommand(rebootCtx, cmd)
	if err != nil {
		// A disconnect racing the reply is expected, not an error.
		if te, ok := err.(*TransportError); ok && te.Kind == TransportDisconnected {
			return nil
		}
		return err
	}
	return terminalErr(resp)
}

// Oem issues "oem <cmd>", concatenating any INFO lines with the terminal
// message (spec.md §4.4).
func (c *Client) Oem(ctx context.Context, cmd string) (string, error) {
	tr, err := c.requireConnected()
	if err != nil {
		return "", err
	}

	ctrlCtx, cancel := context.WithTimeout(ctx, c.cfg.ControlTimeout)
	defer cancel()

	payload, err := EncodeCommand("oem " + cmd)
	if err != nil {
		return "", err
	}
	if _, err := tr.Write(ctrlCtx, payload); err != nil {
		c.markUnhealthy()
		return "", wrapTransportErr(err)
	}

	var lines []string
	for {
		frame, err := tr.Read(ctrlCtx, 256)
		if err != nil {
			c.markUnhealthy()
			return "", wrapTransportErr(err)
		}
		resp, err := DecodeResponse(frame)
		if err != nil {
			c.markUnhealthy()
			return "", err
		}
		switch resp.Tag {
		case TagInfo, TagText:
			lines = append(lines, resp.Message)
		case TagOkay:
			lines = append(lines, resp.Message)
			return strings.Join(lines, "\n"), nil
		case TagFail:
			return "", &DeviceRejectedError{Message: resp.Message}
		default:
			return "", &ProtocolError{Kind: UnknownTag, Detail: string(resp.Tag)}
		}
	}
}

// Unlock issues "flashing unlock".
func (c *Client) Unlock(ctx context.Context) error {
	resp, err := c.sendCommand(ctx, "flashing unlock")
	if err != nil {
		return err
	}
	return terminalErr(resp)
}

// Lock issues "flashing lock".
func (c *Client) Lock(ctx context.Context) error {
	resp, err := c.sendCommand(ctx, "flashing lock")
	if err != nil {
		return err
	}
	return terminalErr(resp)
}

// FlashPartition runs the full flash orchestration of spec.md §4.4: detect
// sparse vs. raw, split at max-download-size boundaries, stream each
// sub-image through download+flash, and report progress throughout.
func (c *Client) FlashPartition(ctx context.Context, partition, imagePath string, onProgress ProgressFunc) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	emit := newProgressEmitter(onProgress)

	stream, total, err := sparse.Open(imagePath)
	if err != nil {
		return wrapSparseErr(err)
	}
	defer stream.Close()

	emit.emit(Progress{Partition: partition, Stage: StagePreparing, TotalBytes: total})

	maxChunk := c.MaxDownloadSize()
	if !stream.IsSparse() && total > maxChunk {
		emit.emit(Progress{Partition: partition, Stage: StageFailed, TotalBytes: total, Err: ErrImageTooLarge})
		return ErrImageTooLarge
	}

	chunkIndex := 0
	totalChunks := stream.EstimatedSubImages(maxChunk)
	var sent uint64

	for {
		sub, err := stream.NextSubImage(maxChunk)
		if err != nil {
			err = wrapSparseErr(err)
			emit.emit(Progress{Partition: partition, Stage: StageFailed, TotalBytes: total, BytesSent: sent, Err: err})
			return err
		}
		if sub == nil {
			break
		}
		chunkIndex++

		base := Progress{
			Partition:    partition,
			TotalBytes:   total,
			CurrentChunk: chunkIndex,
			TotalChunks:  totalChunks,
			Stage:        StageSending,
			BytesSent:    sent,
		}
		if total > 0 {
			base.Percent = float64(sent) / float64(total) * 100
		}

		emit.emit(base)

		if err := c.download(ctx, sub, emit, base, sent); err != nil {
			failed := base
			failed.Stage = StageFailed
			failed.BytesSent = sent
			failed.Err = err
			emit.emit(failed)
			return err
		}
		sent += uint64(len(sub))

		writing := base
		writing.Stage = StageWriting
		writing.BytesSent = sent
		if total > 0 {
			writing.Percent = float64(sent) / float64(total) * 100
		}
		emit.emit(writing)

		if err := c.Flash(ctx, partition); err != nil {
			failed := base
			failed.Stage = StageFailed
			failed.BytesSent = sent
			failed.Err = err
			emit.emit(failed)
			return err
		}
	}

	emit.emit(Progress{
		Partition:    partition,
		Stage:        StageDone,
		BytesSent:    total,
		TotalBytes:   total,
		Percent:      100,
		CurrentChunk: totalChunks,
		TotalChunks:  totalChunks,
	})
	return nil
}
