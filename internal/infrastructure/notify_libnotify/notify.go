package notify_libnotify

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const appName = "--app-name=ci-orchestrator"

// Notifier sends desktop notifications through notify-send. A soft notifier
// swallows delivery failures, which is what a headless host wants.
type Notifier struct {
	soft bool
	bin  string
}

func New() *Notifier     { return &Notifier{soft: false, bin: "notify-send"} }
func NewSoft() *Notifier { return &Notifier{soft: true, bin: "notify-send"} }

type Options struct {
	Urgency string
	Expire  time.Duration
}

func (n *Notifier) Notify(ctx context.Context, title, body, url string) error {
	return n.NotifyWith(ctx, title, body, url, Options{Urgency: urgencyFor(title)})
}

func (n *Notifier) NotifyWith(ctx context.Context, title, body, url string, opt Options) error {
	cmd := exec.CommandContext(ctx, n.bin, buildArgs(title, body, url, opt)...)
	if err := cmd.Run(); err != nil {
		if n.soft {
			return nil
		}
		return err
	}
	return nil
}

func buildArgs(title, body, url string, opt Options) []string {
	if strings.TrimSpace(url) != "" {
		if body == "" {
			body = url
		} else {
			body = body + "\n" + url
		}
	}

	args := []string{appName}
	if opt.Urgency != "" {
		args = append(args, "--urgency="+opt.Urgency)
	}
	if opt.Expire > 0 {
		ms := strconv.Itoa(int(opt.Expire / time.Millisecond))
		args = append(args, "--expire-time="+ms)
	}
	return append(args, title, body)
}

// failures stay on screen until dismissed
func urgencyFor(title string) string {
	if strings.Contains(title, "failed") {
		return "critical"
	}
	return "normal"
}
