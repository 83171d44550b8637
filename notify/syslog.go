package notify

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSyslogTimeout = 3 * time.Second
	defaultAppName       = "msgguard"
	defaultSDID          = "msgguard"
	// local0.warning
	alertPriority = 132
)

// SyslogConfig configures the forwarder to a syslog collector (rsyslog,
// Grafana Alloy feeding Loki).
type SyslogConfig struct {
	Addr    string
	AppName string
	// SDID is the structured-data element id.
	SDID string
	// Labels are fixed structured-data params, e.g. job and env.
	Labels  map[string]string
	Timeout time.Duration
}

// SyslogNotifier writes each alert as one RFC 5424 line over TCP.
type SyslogNotifier struct {
	cfg  SyslogConfig
	host string
}

func NewSyslogNotifier(cfg SyslogConfig) *SyslogNotifier {
	if cfg.AppName == "" {
		cfg.AppName = defaultAppName
	}
	if cfg.SDID == "" {
		cfg.SDID = defaultSDID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSyslogTimeout
	}
	host, _ := os.Hostname()
	return &SyslogNotifier{cfg: cfg, host: sanitizeSyslogToken(host)}
}

func (n *SyslogNotifier) Notify(ctx context.Context, title, body string) (Handle, error) {
	id := uuid.NewString()
	params := make(map[string]string, len(n.cfg.Labels)+2)
	for k, v := range n.cfg.Labels {
		params[k] = v
	}
	params["title"] = title
	params["alert_id"] = id

	line := fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n",
		alertPriority,
		time.Now().UTC().Format(time.RFC3339Nano),
		n.host,
		sanitizeSyslogToken(n.cfg.AppName),
		buildStructuredData(n.cfg.SDID, params),
		strings.TrimSpace(body),
	)
	if err := n.send(ctx, line); err != nil {
		return "", fmt.Errorf("syslog %s: %w", n.cfg.Addr, err)
	}
	return Handle(id), nil
}

func (n *SyslogNotifier) send(ctx context.Context, line string) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", n.cfg.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.Flush()
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// buildStructuredData renders params as one SD element. Well-known keys come
// first, the rest follow sorted; empty values are skipped.
func buildStructuredData(sdID string, params map[string]string) string {
	if sdID == "" {
		sdID = defaultSDID
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)

	write := func(k, v string) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeSDParam(v))
		b.WriteString(`"`)
	}

	preferred := []string{"job", "service", "env", "site", "title", "alert_id"}
	seen := make(map[string]struct{}, len(params))
	for _, k := range preferred {
		v, ok := params[k]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		seen[k] = struct{}{}
		write(k, v)
	}
	extra := make([]string, 0, len(params))
	for k, v := range params {
		if _, ok := seen[k]; ok || strings.TrimSpace(v) == "" {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		write(k, params[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`, "\n", " ", "\r", " ")
	return r.Replace(v)
}
