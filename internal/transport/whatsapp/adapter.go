// Package whatsapp implements transport.Adapter on top of whatsmeow. The
// device session lives in its own sqlite database; a missing session starts
// QR pairing and writes the code to Config.QRPath as a PNG.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	SessionPath string
	QRPath      string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	container *sqlstore.Container
	client    *whatsmeow.Client

	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.SessionPath) == "" {
		return nil, errors.New("whatsapp session path is empty")
	}
	if strings.TrimSpace(cfg.QRPath) == "" {
		cfg.QRPath = filepath.Join(filepath.Dir(cfg.SessionPath), "whatsapp-qr.png")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "whatsapp"))}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(a.cfg.SessionPath), 0o755); err != nil {
		return err
	}
	dsn := "file:" + a.cfg.SessionPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLogger{log: a.log.With(logx.String("sub", "store"))})
	if err != nil {
		return fmt.Errorf("whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("whatsapp device: %w", err)
	}
	client := whatsmeow.NewClient(device, waLogger{log: a.log.With(logx.String("sub", "client"))})
	client.AddEventHandler(a.handleEvent)

	a.container = container
	a.client = client
	a.out.Store(out)
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(sup.Context())
		if err != nil {
			return fmt.Errorf("whatsapp qr channel: %w", err)
		}
		sup.Go0("pairing", func(c context.Context) { a.pair(c, qr) })
	}
	if err := client.Connect(); err != nil {
		// Not fatal: whatsmeow reconnects on its own once the network returns.
		a.log.Warn("whatsapp connect failed", logx.Err(err))
	}
	return nil
}

func (a *Adapter) pair(ctx context.Context, qr <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qr:
			if !ok {
				return
			}
			if evt.Event != "code" {
				a.log.Info("pairing event", logx.String("event", evt.Event))
				continue
			}
			if err := writeQR(a.cfg.QRPath, evt.Code); err != nil {
				a.log.Warn("write pairing qr failed", logx.String("path", a.cfg.QRPath), logx.Err(err))
				continue
			}
			a.log.Info("pairing qr written, scan it from the phone", logx.String("path", a.cfg.QRPath), logx.Duration("valid_for", evt.Timeout))
		}
	}
}

func writeQR(path, code string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return qrcode.WriteFile(code, qrcode.Medium, 512, path)
}

func (a *Adapter) reportDropped(chanCap int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", chanCap))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup, client, container := a.sup, a.client, a.container
	wasRunning := a.running
	a.sup, a.running = nil, false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if client != nil {
		client.Disconnect()
	}
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Debug("whatsapp supervisor stopped with error", logx.Err(err))
		}
	}
	if container != nil {
		if err := container.Close(); err != nil {
			a.log.Warn("close session store failed", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	return nil
}

func (a *Adapter) Connected() bool {
	a.runMu.Lock()
	client := a.client
	a.runMu.Unlock()
	return client != nil && client.IsConnected() && client.IsLoggedIn()
}

func (a *Adapter) Send(ctx context.Context, to transport.Target, c transport.Content) (transport.DeliveryRef, error) {
	a.runMu.Lock()
	client := a.client
	a.runMu.Unlock()
	if client == nil || !client.IsConnected() {
		return transport.DeliveryRef{}, transport.ErrNotConnected
	}
	jid, err := ParseJID(to.Address())
	if err != nil {
		return transport.DeliveryRef{}, err
	}
	body := outboundText(c)
	if body == "" {
		return transport.DeliveryRef{}, errors.New("whatsapp: empty message")
	}
	resp, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return transport.DeliveryRef{}, err
	}
	ts := resp.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return transport.DeliveryRef{ID: string(resp.ID), To: jid.String(), Timestamp: ts}, nil
}

// outboundText flattens content into one text message. Media is sent as a
// link under its caption.
func outboundText(c transport.Content) string {
	if strings.TrimSpace(c.Text) != "" {
		return c.Text
	}
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(c.Caption); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(c.MediaURL); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

// ParseJID maps a transport address to a JID. Channel ids are parsed as-is;
// anything else is treated as a phone number.
func ParseJID(addr string) (types.JID, error) {
	addr = strings.TrimSpace(addr)
	if transport.IsChannelID(addr) {
		jid, err := types.ParseJID(addr)
		if err != nil {
			return types.JID{}, fmt.Errorf("whatsapp: invalid channel id %q: %w", addr, err)
		}
		return jid, nil
	}
	phone := strings.TrimPrefix(transport.NormalizePhone(addr), "+")
	if phone == "" {
		return types.JID{}, fmt.Errorf("whatsapp: invalid recipient %q", addr)
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		msg := convertMessage(v.Info, v.Message)
		if a.client != nil && a.client.Store.ID != nil {
			msg.To = "+" + a.client.Store.ID.User
		}
		a.emit(transport.Update{Kind: transport.UpdateMessage, Message: &msg})
	case *events.Connected:
		a.log.Info("connected")
		a.emitStatus(true, "connected")
	case *events.Disconnected:
		a.log.Warn("disconnected")
		a.emitStatus(false, "disconnected")
	case *events.LoggedOut:
		a.log.Warn("logged out, pairing required", logx.Any("reason", v.Reason))
		a.emitStatus(false, "logged_out")
	case *events.PairSuccess:
		a.log.Info("paired", logx.String("id", v.ID.String()))
	}
}

func (a *Adapter) emitStatus(connected bool, reason string) {
	a.emit(transport.Update{Kind: transport.UpdateStatus, Status: &transport.ConnectionStatus{
		Connected: connected, Reason: reason, At: time.Now(),
	}})
}

func (a *Adapter) emit(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}
