// Command test-client drives load through sesmailer and reports wall time.
//
// In transport mode (the default) it builds the transport from config and
// feeds it from the idle signal, so messages are only submitted when the
// scheduler can admit them at once. With -dry-run the SES backend is
// replaced by an in-process stub that acks after -latency.
//
// In smtp mode it submits the messages to a running smtp-server.
//
// Usage:
//
//	test-client -from sender@example.com -to recipient@example.com -count 100 -dry-run
//	test-client -mode smtp -addr localhost:587 -tls none -user relay -password secret -from a@example.com -to b@example.com
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/sungwon/sesmailer/internal/backend"
	"github.com/sungwon/sesmailer/internal/bootstrap"
	"github.com/sungwon/sesmailer/internal/compose"
	"github.com/sungwon/sesmailer/internal/config"
	"github.com/sungwon/sesmailer/internal/future"
	"github.com/sungwon/sesmailer/internal/logger"
	"github.com/sungwon/sesmailer/internal/scheduler"
	"github.com/sungwon/sesmailer/internal/transport"
)

type options struct {
	mode      string
	configDir string
	dryRun    bool
	latency   time.Duration

	addr     string
	tlsMode  string
	insecure bool
	user     string
	password string

	from    string
	to      stringSlice
	subject string
	body    string
	count   int
}

// stringSlice implements flag.Value for repeatable -to flags.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ", ") }

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	opts := parseFlags()
	if opts.from == "" || len(opts.to) == 0 {
		fmt.Fprintln(os.Stderr, "error: -from and at least one -to are required")
		flag.Usage()
		os.Exit(2)
	}

	var (
		sent, failed int
		wall         time.Duration
		err          error
	)
	switch opts.mode {
	case "transport":
		sent, failed, wall, err = runTransport(opts)
	case "smtp":
		sent, failed, wall = runSMTP(opts)
	default:
		err = fmt.Errorf("unknown mode %q (use transport or smtp)", opts.mode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Results: %d sent, %d failed, wall time %s\n", sent, failed, wall.Round(time.Millisecond))
	if failed > 0 {
		os.Exit(1)
	}
}

func parseFlags() options {
	var o options

	flag.StringVar(&o.mode, "mode", "transport", "transport (in-process) or smtp")
	flag.StringVar(&o.configDir, "config", "config", "directory containing config.yaml")
	flag.BoolVar(&o.dryRun, "dry-run", false, "replace SES with a stub backend (transport mode)")
	flag.DurationVar(&o.latency, "latency", 50*time.Millisecond, "stub backend latency (with -dry-run)")
	flag.StringVar(&o.addr, "addr", "localhost:587", "smtp-server address (smtp mode)")
	flag.StringVar(&o.tlsMode, "tls", "starttls", "TLS mode: starttls, implicit, none (smtp mode)")
	flag.BoolVar(&o.insecure, "insecure", false, "skip TLS certificate verification")
	flag.StringVar(&o.user, "user", "", "SMTP AUTH username")
	flag.StringVar(&o.password, "password", "", "SMTP AUTH password")
	flag.StringVar(&o.from, "from", "", "sender address")
	flag.Var(&o.to, "to", "recipient address (repeatable)")
	flag.StringVar(&o.subject, "subject", "Test Email", "subject")
	flag.StringVar(&o.body, "body", "This is a test email sent by sesmailer test-client.", "body")
	flag.IntVar(&o.count, "count", 1, "number of messages")

	flag.Parse()
	return o
}

func (o options) message(seq int) compose.Message {
	subject, body := o.subject, o.body
	if o.count > 1 {
		subject = fmt.Sprintf("%s [%d/%d]", o.subject, seq, o.count)
		body = fmt.Sprintf("%s\n\n-- Email %d of %d --", o.body, seq, o.count)
	}
	return compose.Message{From: o.from, To: o.to, Subject: subject, Text: body}
}

// runTransport submits count messages, one per idle signal burst, and
// waits for every result.
func runTransport(o options) (sent, failed int, wall time.Duration, err error) {
	_ = godotenv.Load()
	cfg, err := config.Load(o.configDir)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("load config: %w", err)
	}
	log := logger.NewFromConfig(cfg.Logging).Level(zerolog.WarnLevel)
	ctx := context.Background()

	topts := transport.Options{
		ConcurrencyLimit: cfg.Transport.ConcurrencyLimit,
		RateLimit:        cfg.Transport.RateLimit,
		RateWindow:       cfg.Transport.RateWindow,
		RatePolicy:       scheduler.RatePolicy(cfg.Transport.RatePolicy),
		SendTimeout:      cfg.Transport.SendTimeout,
		Name:             "test-client",
		Logger:           log,
	}
	if cfg.DKIM.Enabled() {
		dk := cfg.DKIM
		topts.DKIM = &dk
	}
	if o.dryRun {
		topts.Backend = &stubBackend{latency: o.latency, region: cfg.SES.Region}
	} else if topts.Backend, err = bootstrap.NewBackend(ctx, cfg.SES); err != nil {
		return 0, 0, 0, err
	}

	tr, err := transport.New(topts)
	if err != nil {
		return 0, 0, 0, err
	}

	fmt.Printf("sesmailer test-client\n")
	fmt.Printf("  Backend:     %s (dry run: %t)\n", tr.Backend().Name(), o.dryRun)
	fmt.Printf("  Concurrency: %d\n", cfg.Transport.ConcurrencyLimit)
	fmt.Printf("  Rate:        %d per %s (%s)\n", cfg.Transport.RateLimit, cfg.Transport.RateWindow, cfg.Transport.RatePolicy)
	fmt.Printf("  Count:       %d\n\n", o.count)

	var (
		wg          sync.WaitGroup
		ok, failedN atomic.Int64
		submitted   int
	)
	idle := make(chan struct{}, 1)
	tr.NotifyIdle(idle)

	start := time.Now()
	for submitted < o.count {
		<-idle
		for submitted < o.count && tr.IsIdle() {
			submitted++
			seq := submitted
			msg := &transport.Message{Message: o.message(seq)}
			wg.Add(1)
			serr := tr.SubmitFunc(ctx, msg, func(info *transport.Info, err error) {
				defer wg.Done()
				if err != nil {
					failedN.Add(1)
					fmt.Printf("  [%d/%d] FAIL (%s): %v\n", seq, o.count, time.Since(start).Round(time.Millisecond), err)
					return
				}
				ok.Add(1)
				fmt.Printf("  [%d/%d] OK   (%s) %s\n", seq, o.count, time.Since(start).Round(time.Millisecond), info.MessageID)
			})
			if serr != nil {
				wg.Done()
				failedN.Add(1)
				fmt.Printf("  [%d/%d] REJECTED: %v\n", seq, o.count, serr)
			}
		}
	}
	tr.StopIdle(idle)
	wg.Wait()
	wall = time.Since(start)

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = tr.Close(closeCtx)

	return int(ok.Load()), int(failedN.Load()), wall, nil
}

// stubBackend acks every message after a fixed latency without calling
// SES.
type stubBackend struct {
	latency time.Duration
	region  string
	seq     atomic.Int64
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Region() string {
	if b.region == "" {
		return backend.DefaultRegion
	}
	return b.region
}

func (b *stubBackend) Deliver(ctx context.Context, _ backend.Params) *future.Future[string] {
	f := future.New[string]()
	id := fmt.Sprintf("stub-%06d", b.seq.Add(1))
	timer := time.AfterFunc(b.latency, func() { f.Resolve(id, nil) })
	go func() {
		select {
		case <-f.Done():
		case <-ctx.Done():
			timer.Stop()
			f.Resolve("", ctx.Err())
		}
	}()
	return f
}

func (b *stubBackend) Probe(context.Context) *future.Future[bool] {
	return future.Resolved(true, nil)
}

// runSMTP sends count messages sequentially through an SMTP server.
func runSMTP(o options) (sent, failed int, wall time.Duration) {
	fmt.Printf("sesmailer test-client\n")
	fmt.Printf("  Server: %s (tls: %s)\n", o.addr, o.tlsMode)
	fmt.Printf("  Count:  %d\n\n", o.count)

	start := time.Now()
	for i := 1; i <= o.count; i++ {
		msg := o.message(i)
		raw, err := compose.Build(&msg)
		if err == nil {
			err = sendSMTP(o, raw)
		}
		if err != nil {
			failed++
			fmt.Printf("  [%d/%d] FAIL (%s): %v\n", i, o.count, time.Since(start).Round(time.Millisecond), err)
			continue
		}
		sent++
		fmt.Printf("  [%d/%d] OK   (%s)\n", i, o.count, time.Since(start).Round(time.Millisecond))
	}
	return sent, failed, time.Since(start)
}

func sendSMTP(o options, raw []byte) error {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: o.insecure, //nolint:gosec // Intentional for dev self-signed certs.
	}

	var (
		c   *gosmtp.Client
		err error
	)
	switch o.tlsMode {
	case "none":
		c, err = gosmtp.Dial(o.addr)
	case "implicit":
		c, err = gosmtp.DialTLS(o.addr, tlsConfig)
	case "starttls":
		c, err = gosmtp.DialStartTLS(o.addr, tlsConfig)
	default:
		return fmt.Errorf("unknown TLS mode: %s (use starttls, implicit, or none)", o.tlsMode)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	if o.user != "" {
		if err := c.Auth(sasl.NewPlainClient("", o.user, o.password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(o.from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range o.to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return c.Quit()
}
