// Package accesslog appends one line per answered query to a file.
package accesslog

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/xlh001/oxide-wdns/middleware"
)

// AccessLog type.
type AccessLog struct {
	mu      sync.Mutex
	logFile *os.File
}

// New returns an access log writing to path. An empty path disables it.
func New(path string) *AccessLog {
	a := &AccessLog{}

	if path != "" {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			zlog.Error("Access log file open failed", "path", path, "error", strings.TrimSpace(err.Error()))
		} else {
			a.logFile = f
		}
	}

	return a
}

// Name returns the middleware name.
func (a *AccessLog) Name() string { return name }

// Close closes the log file.
func (a *AccessLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.logFile == nil {
		return nil
	}
	err := a.logFile.Close()
	a.logFile = nil
	return err
}

// ServeDNS implements the Handler interface.
func (a *AccessLog) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	ch.Next(ctx)

	w := ch.Writer
	if !w.Written() {
		return
	}

	resp := w.Msg()
	if len(resp.Question) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.logFile == nil {
		return
	}

	cd := "-cd"
	if resp.CheckingDisabled {
		cd = "+cd"
	}

	record := []string{
		w.RemoteIP().String() + " -",
		"[" + time.Now().Format("02/Jan/2006:15:04:05 -0700") + "]",
		formatQuestion(resp.Question[0]),
		w.Proto(),
		cd,
		dns.RcodeToString[resp.Rcode],
		strconv.Itoa(resp.Len()),
	}

	if _, err := a.logFile.WriteString(strings.Join(record, " ") + "\n"); err != nil {
		zlog.Error("Access log write failed", "error", strings.TrimSpace(err.Error()))
	}
}

func formatQuestion(q dns.Question) string {
	return "\"" + strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype] + "\""
}

const name = "accesslog"
