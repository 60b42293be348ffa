package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/ymdecode/message"
	"github.com/dhcgn/ymdecode/model"
	"github.com/dhcgn/ymdecode/runner"
)

var (
	ErrMissingHash = errors.New("conversation hash is empty")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	Domain             string
	DryRun             bool
}

// Uploader appends every conversation as one message to the target folder.
// The connection is opened on the first upload and kept until Close.
type Uploader struct {
	opts   Options
	logger *slog.Logger

	client  *imapclient.Client
	cleanup func()
}

func NewUploader(opts Options, logger *slog.Logger) (*Uploader, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	return &Uploader{opts: opts, logger: logger}, nil
}

// Register creates an Uploader and adds it to the runner's sinks.
func Register(opts Options, r *runner.Runner, logger *slog.Logger) (*Uploader, error) {
	uploader, err := NewUploader(opts, logger)
	if err != nil {
		return nil, err
	}
	r.AddSink(uploader)
	return uploader, nil
}

func (u *Uploader) Name() string {
	return "imap"
}

func (u *Uploader) Export(ctx context.Context, conv model.Conversation) error {
	if conv.Hash == "" {
		return fmt.Errorf("%s: %w", conv.Job.Input, ErrMissingHash)
	}

	msg, err := message.Compose(conv, message.Options{Domain: u.opts.Domain})
	if err != nil {
		return err
	}

	if u.opts.DryRun {
		if u.logger != nil {
			u.logger.Debug("dry-run upload", "messageID", msg.ID, "target", u.targetFolder(), "hash", conv.Hash)
		}
		return nil
	}

	if u.client == nil {
		client, cleanup, err := u.dial(ctx)
		if err != nil {
			return err
		}
		u.client, u.cleanup = client, cleanup
	}

	if err := u.appendMessage(u.client, msg); err != nil {
		return fmt.Errorf("upload message %s: %w", msg.ID, err)
	}

	if u.logger != nil {
		u.logger.Debug("uploaded message", "messageID", msg.ID, "target", u.targetFolder(), "hash", conv.Hash)
	}
	return nil
}

// Close logs out if a connection was opened.
func (u *Uploader) Close() error {
	if u.cleanup != nil {
		u.cleanup()
	}
	u.client, u.cleanup = nil, nil
	return nil
}

func (u *Uploader) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(u.opts.Host, strconv.Itoa(u.opts.Port))
	options := &imapclient.Options{}

	if u.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         u.opts.Host,
			InsecureSkipVerify: u.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if u.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(u.opts.Username, u.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := u.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	if u.logger != nil {
		u.logger.Debug("imap connection established", "address", address, "user", u.opts.Username, "target", u.targetFolder(), "tls", u.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if u.logger != nil {
					u.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && u.logger != nil {
			u.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (u *Uploader) appendMessage(client *imapclient.Client, msg message.Message) error {
	target := u.targetFolder()
	size := int64(len(msg.Raw))

	var opts *imapv2.AppendOptions
	if !msg.Date.IsZero() {
		opts = &imapv2.AppendOptions{Time: msg.Date, Flags: []imapv2.Flag{imapv2.FlagSeen}}
	}

	cmd := client.Append(target, size, opts)

	remaining := msg.Raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}

	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	return nil
}

func (u *Uploader) targetFolder() string {
	if u.opts.TargetFolder == "" {
		return "INBOX"
	}
	return u.opts.TargetFolder
}

func (u *Uploader) ensureMailbox(client *imapclient.Client) error {
	target := u.targetFolder()
	cmd := client.Create(target, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				if u.logger != nil {
					u.logger.Debug("imap mailbox already exists", "mailbox", target)
				}
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	if u.logger != nil {
		u.logger.Info("imap mailbox created", "mailbox", target)
	}

	return nil
}
