package client

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/handler"
)

// ANSI escape sequences for terminal styling.
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// colors is false when NO_COLOR is set or TERM is dumb.
var colors = os.Getenv("NO_COLOR") == "" && os.Getenv("TERM") != "dumb"

func styled(style, text string) string {
	if !colors {
		return text
	}
	return style + text + ansiReset
}

func writeField(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "%s %s\n", styled(ansiDim, fmt.Sprintf("%-12s", label)), value)
}

// FormatSample renders one metrics sample as a block of labeled lines.
func FormatSample(s handler.Sample) string {
	var b strings.Builder
	host := s.Hostname
	if host == "" {
		host = "device"
	}
	platform := s.OS + "/" + s.Arch
	if s.Platform != "" {
		platform = s.Platform + " " + platform
	}
	fmt.Fprintf(&b, "%s %s\n", styled(ansiBold, host), styled(ansiDim, platform))
	writeField(&b, "Uptime", (time.Duration(s.UptimeSecs) * time.Second).String())
	writeField(&b, "CPU", fmt.Sprintf("%s  %d cores  load %.2f %.2f %.2f",
		percent(s.CPU.UsagePercent), s.CPU.Cores, s.CPU.LoadAvg[0], s.CPU.LoadAvg[1], s.CPU.LoadAvg[2]))
	writeField(&b, "Memory", fmt.Sprintf("%s  %s / %s",
		percent(s.Memory.UsagePercent), humanize.IBytes(s.Memory.UsedBytes), humanize.IBytes(s.Memory.TotalBytes)))
	writeField(&b, "Disk", fmt.Sprintf("%s  %s / %s  %s",
		percent(s.Disk.UsagePercent), humanize.IBytes(s.Disk.UsedBytes), humanize.IBytes(s.Disk.TotalBytes), s.Disk.Path))
	writeField(&b, "Network", fmt.Sprintf("rx %s/s  tx %s/s",
		humanize.IBytes(uint64(max(s.Network.RxBytesPerSec, 0))), humanize.IBytes(uint64(max(s.Network.TxBytesPerSec, 0)))))
	if len(s.Temperatures) > 0 {
		temps := make([]string, 0, len(s.Temperatures))
		for _, t := range s.Temperatures {
			temps = append(temps, fmt.Sprintf("%s %.0f°C", t.Sensor, t.Celsius))
		}
		writeField(&b, "Temps", strings.Join(temps, ", "))
	}
	return b.String()
}

func percent(v float64) string {
	text := fmt.Sprintf("%5.1f%%", v)
	switch {
	case v >= 90:
		return styled(ansiRed, text)
	case v >= 70:
		return styled(ansiYellow, text)
	}
	return styled(ansiGreen, text)
}

// FormatDevices renders the device registry as a table, online first.
func FormatDevices(devices []domain.DeviceView, now time.Time) string {
	sorted := append([]domain.DeviceView(nil), devices...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Online != sorted[j].Online {
			return sorted[i].Online
		}
		return sorted[i].ID < sorted[j].ID
	})
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-20s %-9s %-8s %s\n", "DEVICE", "HOSTNAME", "STATE", "LINK", "LAST SEEN")
	for _, d := range sorted {
		link := styled(ansiDim, "offline ")
		if d.Online {
			link = styled(ansiGreen, "online  ")
		}
		seen := "never"
		if d.LastSeenAt != nil && !d.LastSeenAt.IsZero() {
			seen = humanize.RelTime(*d.LastSeenAt, now, "ago", "from now")
		}
		fmt.Fprintf(&b, "%-38s %-20s %-9s %s %s\n", d.ID, truncate(d.Hostname, 20), stateLabel(d.State), link, seen)
	}
	return b.String()
}

func stateLabel(state string) string {
	text := fmt.Sprintf("%-9s", state)
	switch state {
	case domain.DeviceStateApproved:
		return styled(ansiGreen, text)
	case domain.DeviceStatePending:
		return styled(ansiYellow, text)
	case domain.DeviceStateRevoked:
		return styled(ansiRed, text)
	}
	return text
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Banner is the one-line status the CLI prints when a forward is ready.
func Banner(label, value string) string {
	return styled(ansiCyan, label) + " " + styled(ansiBold, value)
}
