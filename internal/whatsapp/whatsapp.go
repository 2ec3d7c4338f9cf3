// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in CounselPipe.
//
// It handles device login, outbound text sends and inbound text extraction.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow device database
	DefaultSQLitePath = "/var/lib/counselpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends WhatsApp text messages (for production and testing).
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// InboundText is a text message received from a user.
type InboundText struct {
	From      string // JID user part (digits)
	Body      string
	MessageID string
	Timestamp time.Time
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the pairing code instead of rendering a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the device store, logs in if needed and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("WhatsApp NewClient: using default SQLite path", "path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("WhatsApp NewClient: SQLite DSN without foreign keys; whatsmeow recommends '?_foreign_keys=on'",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// login runs the QR pairing flow until the channel closes.
func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendMessage sends a text message to the user identified by the JID user part.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to, "body_length", len(body))
	return nil
}

// OnText registers fn for every inbound text message not sent by us.
func (c *Client) OnText(fn func(InboundText)) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if in, ok := ExtractText(msg); ok {
			fn(in)
		}
	})
}

// Disconnect closes the connection to WhatsApp.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// ExtractText pulls the text body out of a message event. Non-text
// messages and our own messages are skipped.
func ExtractText(evt *events.Message) (InboundText, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return InboundText{}, false
	}
	var body string
	switch {
	case evt.Message.Conversation != nil:
		body = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		body = *evt.Message.ExtendedTextMessage.Text
	default:
		return InboundText{}, false
	}
	return InboundText{
		From:      evt.Info.Sender.User,
		Body:      body,
		MessageID: string(evt.Info.ID),
		Timestamp: evt.Info.Timestamp,
	}, true
}
