package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/fenilsonani/mailbox-gateway/internal/logging"
)

const (
	// MaxListLimit caps the number of messages one list call may return.
	MaxListLimit = 100
	defaultLimit = 50

	// listWindowFactor widens the UID window scanned for a listing, since
	// UIDs are sparse after expunges.
	listWindowFactor = 5
)

// Reader performs transient IMAP operations: list recent messages and fetch
// a single message. Every call opens its own connection and always releases
// the mailbox and logs out.
type Reader struct {
	timeouts Timeouts
	logger   *logging.Logger

	// dialFn is replaced in tests to point the reader at a local server.
	dialFn func(settings ServerSettings) (*imapclient.Client, *deadlineConn, error)
}

// NewReader creates a Reader.
func NewReader(timeouts Timeouts, logger *logging.Logger) *Reader {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Reader{timeouts: timeouts, logger: logger.Mail()}
	r.dialFn = func(settings ServerSettings) (*imapclient.Client, *deadlineConn, error) {
		return dialLoginIMAP(settings, r.timeouts, r.timeouts.Socket, nil)
	}
	return r
}

// Verify connects and authenticates against the IMAP server, then logs out.
func (r *Reader) Verify(ctx context.Context, secret Secret) error {
	client, _, err := r.dialLogin(secret.IMAP)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := ctx.Err(); err != nil {
		return err
	}
	return client.Logout().Wait()
}

// ListRecent returns envelope metadata for the newest messages in INBOX,
// newest first. since narrows the search by date; otherwise a UID window
// below UIDNEXT is scanned.
func (r *Reader) ListRecent(ctx context.Context, secret Secret, limit int, since *time.Time) ([]MessageMeta, error) {
	limit = clampLimit(limit)

	client, conn, err := r.dialLogin(secret.IMAP)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer func() { client.Logout().Wait() }()

	conn.setReadTimeout(r.timeouts.List)

	selectData, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		return nil, classifyIMAP(err, false)
	}
	defer func() { client.Unselect().Wait() }()

	var uidSet imap.UIDSet
	if since != nil {
		searchData, err := client.UIDSearch(&imap.SearchCriteria{Since: *since}, nil).Wait()
		if err != nil {
			return nil, classifyIMAP(err, false)
		}
		uids := searchData.AllUIDs()
		if len(uids) == 0 {
			return []MessageMeta{}, nil
		}
		for _, uid := range uids {
			uidSet.AddNum(uid)
		}
	} else {
		lo, hi, ok := listWindow(selectData.UIDNext, limit)
		if !ok {
			return []MessageMeta{}, nil
		}
		uidSet.AddRange(lo, hi)
	}

	metas, err := r.fetchMetas(client, uidSet)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(metas)
	if len(metas) > limit {
		metas = metas[:limit]
	}
	r.logger.DebugContext(ctx, "listed recent messages", "count", len(metas))
	return metas, nil
}

// FetchOne fetches a single message by UID, including the raw RFC 822
// source and a best-effort MIME decode.
func (r *Reader) FetchOne(ctx context.Context, secret Secret, uid uint32, includeRaw bool) (*Message, error) {
	client, conn, err := r.dialLogin(secret.IMAP)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer func() { client.Logout().Wait() }()

	conn.setReadTimeout(r.timeouts.Fetch)

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, classifyIMAP(err, false)
	}
	defer func() { client.Unselect().Wait() }()

	var uidSet imap.UIDSet
	uidSet.AddNum(imap.UID(uid))

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		InternalDate: true,
		UID:          true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	bufs, err := fetchCmd.Collect()
	if err != nil {
		return nil, classifyIMAP(err, false)
	}
	if len(bufs) == 0 {
		return nil, ErrMessageNotFound
	}
	buf := bufs[0]

	msg := &Message{MessageMeta: MetaFromBuffer(buf)}

	var raw []byte
	if len(buf.BodySection) > 0 {
		raw = buf.BodySection[0].Bytes
	}
	if len(raw) > 0 {
		if parsed, err := parseMessage(raw); err == nil {
			msg.Parsed = parsed
		} else {
			r.logger.WarnContext(ctx, "mime parse failed",
				"uid", uid, "error", err.Error())
		}
		if includeRaw {
			msg.RFC822 = string(raw)
		}
	}
	return msg, nil
}

// dialLogin opens a connection per the settings and authenticates.
func (r *Reader) dialLogin(settings ServerSettings) (*imapclient.Client, *deadlineConn, error) {
	return r.dialFn(settings)
}

// DialIMAP opens an authenticated IMAP connection for long-lived use. The
// steadyRead timeout applies to every read after the greeting; callers that
// sit in IDLE pick a value above their keepalive interval so the deadline
// never fires between probes.
func DialIMAP(settings ServerSettings, t Timeouts, steadyRead time.Duration, opts *imapclient.Options) (*imapclient.Client, error) {
	client, _, err := dialLoginIMAP(settings, t, steadyRead, opts)
	return client, err
}

func dialLoginIMAP(settings ServerSettings, t Timeouts, steadyRead time.Duration, opts *imapclient.Options) (*imapclient.Client, *deadlineConn, error) {
	if opts == nil {
		opts = &imapclient.Options{}
	}

	conn, err := dial(settings, t)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	var client *imapclient.Client
	switch settings.Connection {
	case ConnectionSTARTTLS:
		// The library upgrades the plain connection itself; the wrapped
		// conn keeps the greeting and read deadlines in force either way.
		startOpts := *opts
		if startOpts.TLSConfig == nil {
			startOpts.TLSConfig = &tls.Config{ServerName: settings.Host}
		} else if startOpts.TLSConfig.ServerName == "" {
			cfg := startOpts.TLSConfig.Clone()
			cfg.ServerName = settings.Host
			startOpts.TLSConfig = cfg
		}
		client, err = imapclient.NewStartTLS(conn, &startOpts)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	default:
		client = imapclient.New(conn, opts)
		if err := client.WaitGreeting(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	}
	conn.setReadTimeout(steadyRead)

	if err := login(client, settings); err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, conn, nil
}

// login authenticates with LOGIN, or AUTHENTICATE PLAIN when the server
// disables LOGIN.
func login(client *imapclient.Client, settings ServerSettings) error {
	if client.Caps().Has(imap.CapLoginDisabled) {
		auth := sasl.NewPlainClient("", settings.Username, settings.Password)
		if err := client.Authenticate(auth); err != nil {
			return classifyIMAP(err, true)
		}
		return nil
	}
	if err := client.Login(settings.Username, settings.Password).Wait(); err != nil {
		return classifyIMAP(err, true)
	}
	return nil
}

func (r *Reader) fetchMetas(client *imapclient.Client, uidSet imap.UIDSet) ([]MessageMeta, error) {
	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		InternalDate: true,
		UID:          true,
	})
	bufs, err := fetchCmd.Collect()
	if err != nil {
		return nil, classifyIMAP(err, false)
	}

	metas := make([]MessageMeta, 0, len(bufs))
	for _, buf := range bufs {
		metas = append(metas, MetaFromBuffer(buf))
	}
	return metas, nil
}

// MetaFromBuffer extracts envelope metadata from one fetched message.
func MetaFromBuffer(buf *imapclient.FetchMessageBuffer) MessageMeta {
	meta := MessageMeta{
		UID:   uint32(buf.UID),
		Date:  buf.InternalDate,
		Flags: flagStrings(buf.Flags),
	}
	if env := buf.Envelope; env != nil {
		meta.Subject = env.Subject
		meta.From = addressStrings(env.From)
		meta.To = addressStrings(env.To)
		if !env.Date.IsZero() {
			meta.Date = env.Date
		}
	}
	if meta.From == nil {
		meta.From = []string{}
	}
	if meta.To == nil {
		meta.To = []string{}
	}
	return meta
}

func addressStrings(addrs []imap.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Addr())
	}
	return out
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}

// clampLimit normalizes a caller-supplied limit into [1, MaxListLimit].
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// listWindow computes the UID range scanned when listing without a date
// filter. ok is false when the mailbox has never held a message.
func listWindow(uidNext imap.UID, limit int) (imap.UID, imap.UID, bool) {
	if uidNext <= 1 {
		return 0, 0, false
	}
	hi := uidNext - 1
	span := imap.UID(limit * listWindowFactor)
	lo := imap.UID(1)
	if hi > span {
		lo = hi - span
	}
	return lo, hi, true
}

// sortNewestFirst orders metadata by descending UID.
func sortNewestFirst(metas []MessageMeta) {
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UID > metas[j].UID
	})
}
