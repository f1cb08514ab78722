// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bambu

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jlaffaye/ftp"

	"github.com/bureau-foundation/printfarm/lib/clock"
	"github.com/bureau-foundation/printfarm/lib/device"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
	"github.com/bureau-foundation/printfarm/lib/secret"
)

const (
	// Username is the fixed LAN-mode account on every printer.
	Username = "bblp"

	DefaultMQTTPort = 8883
	DefaultFTPSPort = 990

	defaultConnectTimeout = 10 * time.Second
	defaultAckTimeout     = 5 * time.Second

	// reportBuffer bounds queued snapshots. Each one is complete, so
	// when the consumer falls behind the oldest is discarded.
	reportBuffer = 16
)

// Config identifies one printer on the LAN.
type Config struct {
	Host   string
	Serial string

	// AccessCode is the LAN access code shown on the printer. It is
	// read on every dial and upload; the caller keeps ownership.
	AccessCode *secret.Buffer

	MQTTPort int
	FTPSPort int

	// ConnectTimeout bounds the MQTT handshake and FTPS login.
	ConnectTimeout time.Duration

	// AckTimeout is how long Send waits for the printer to answer a
	// command. Silence counts as acceptance: firmware does not
	// acknowledge every command.
	AckTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Dialer implements device.Dialer for one printer.
type Dialer struct {
	config Config
}

// NewDialer validates cfg and fills in defaults.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.Host == "" {
		return nil, errors.New("bambu: Host is required")
	}
	if cfg.Serial == "" {
		return nil, errors.New("bambu: Serial is required")
	}
	if cfg.AccessCode == nil {
		return nil, errors.New("bambu: AccessCode is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("bambu: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("bambu: Logger is required")
	}
	if cfg.MQTTPort == 0 {
		cfg.MQTTPort = DefaultMQTTPort
	}
	if cfg.FTPSPort == 0 {
		cfg.FTPSPort = DefaultFTPSPort
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	return &Dialer{config: cfg}, nil
}

// ReportTopic is where the printer publishes state.
func ReportTopic(serial string) string { return "device/" + serial + "/report" }

// RequestTopic is where the printer accepts commands.
func RequestTopic(serial string) string { return "device/" + serial + "/request" }

// tlsConfig accepts the printer's self-signed certificate. LAN-mode
// printers present a per-device certificate with no public chain.
func tlsConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, //nolint:gosec printers use self-signed certificates
		ClientSessionCache: tls.NewLRUClientSessionCache(4),
	}
}

// Dial opens an MQTT session and subscribes to the report topic.
func (d *Dialer) Dial(ctx context.Context) (device.Conn, error) {
	cfg := d.config
	l := newLink(d, nil)

	options := mqtt.NewClientOptions().
		AddBroker("ssl://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.MQTTPort))).
		SetClientID("printfarm-" + cfg.Serial + "-" + strconv.FormatInt(cfg.Clock.Now().UnixNano(), 36)).
		SetUsername(Username).
		SetPassword(cfg.AccessCode.String()).
		SetTLSConfig(tlsConfig(cfg.Host)).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetKeepAlive(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			l.end(fmt.Errorf("mqtt connection lost: %w", err))
		})

	client := mqtt.NewClient(options)
	if err := await(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Host, err)
	}
	l.client = client

	subscribe := client.Subscribe(ReportTopic(cfg.Serial), 0, func(_ mqtt.Client, message mqtt.Message) {
		l.handle(message.Payload())
	})
	if err := await(ctx, subscribe); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribing to %s: %w", ReportTopic(cfg.Serial), err)
	}

	cfg.Logger.Debug("printer mqtt session open", "host", cfg.Host, "serial", cfg.Serial)
	return l, nil
}

// await waits for a paho token or ctx.
func await(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// link is one live MQTT session with a printer.
type link struct {
	dialer   *Dialer
	client   mqtt.Client
	reports  chan farm.Telemetry
	sequence atomic.Uint64

	mu      sync.Mutex
	closed  bool
	err     error
	fields  reportFields
	pending map[string]chan error
}

func newLink(d *Dialer, client mqtt.Client) *link {
	return &link{
		dialer:  d,
		client:  client,
		reports: make(chan farm.Telemetry, reportBuffer),
		fields:  reportFields{},
		pending: make(map[string]chan error),
	}
}

func (l *link) Reports() <-chan farm.Telemetry { return l.reports }

func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// handle processes one message from the report topic.
func (l *link) handle(payload []byte) {
	var message envelope
	if err := json.Unmarshal(payload, &message); err != nil {
		l.dialer.config.Logger.Debug("ignoring malformed printer report", "error", err)
		return
	}

	for _, section := range []reportFields{message.Print, message.System} {
		if ack, ok := replyOf(section); ok {
			l.acknowledge(ack)
		}
	}
	if message.Print == nil || !carriesStatus(message.Print) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.fields.merge(message.Print)
	snapshot := l.fields.telemetry()
	select {
	case l.reports <- snapshot:
		return
	default:
	}
	select {
	case <-l.reports:
	default:
	}
	l.reports <- snapshot
}

// acknowledge resolves the Send waiting on ack's sequence id.
func (l *link) acknowledge(ack reply) {
	l.mu.Lock()
	waiter, ok := l.pending[ack.SequenceID]
	delete(l.pending, ack.SequenceID)
	l.mu.Unlock()
	if !ok {
		return
	}

	if strings.EqualFold(ack.Result, "fail") {
		reason := ack.Reason
		if reason == "" {
			reason = "no reason given"
		}
		waiter <- fmt.Errorf("%w: %s: %s", device.ErrDeviceRejected, ack.Command, reason)
		return
	}
	waiter <- nil
}

func (l *link) nextSequence() string {
	return strconv.FormatUint(l.sequence.Add(1), 10)
}

func (l *link) publish(ctx context.Context, message request) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return await(ctx, l.client.Publish(RequestTopic(l.dialer.config.Serial), 0, false, payload))
}

// Send publishes instruction and waits briefly for the printer's
// verdict.
func (l *link) Send(ctx context.Context, instruction device.Instruction) error {
	sequence := l.nextSequence()
	message, err := requestFor(instruction, sequence)
	if err != nil {
		return err
	}

	waiter := make(chan error, 1)
	l.mu.Lock()
	l.pending[sequence] = waiter
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, sequence)
		l.mu.Unlock()
	}()

	if err := l.publish(ctx, message); err != nil {
		return fmt.Errorf("publishing %s: %w", instruction.Name, err)
	}

	select {
	case err := <-waiter:
		return err
	case <-l.dialer.config.Clock.After(l.dialer.config.AckTimeout):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *link) RequestStatus(ctx context.Context) error {
	return l.publish(ctx, pushAll(l.nextSequence()))
}

// Upload stores content on the printer's card over implicit FTPS.
func (l *link) Upload(ctx context.Context, name string, content []byte) error {
	cfg := l.dialer.config
	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.FTPSPort))

	connection, err := ftp.Dial(address,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(cfg.ConnectTimeout),
		ftp.DialWithTLS(tlsConfig(cfg.Host)),
	)
	if err != nil {
		return fmt.Errorf("ftps connect %s: %w", address, err)
	}
	defer connection.Quit()

	if err := connection.Login(Username, cfg.AccessCode.String()); err != nil {
		return fmt.Errorf("ftps login: %w", err)
	}
	if err := connection.Stor(name, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("ftps store %s: %w", name, err)
	}

	cfg.Logger.Info("uploaded job file", "serial", cfg.Serial, "file", name, "bytes", len(content))
	return nil
}

func (l *link) Close() error {
	l.end(nil)
	if l.client != nil {
		l.client.Disconnect(250)
	}
	return nil
}

// end closes the report channel once, recording cause.
func (l *link) end(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.err = cause
	close(l.reports)
}
