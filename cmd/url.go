package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"

	"github.com/skip2/go-qrcode"

	"github.com/adbauto/agent/internal/config"
	"github.com/adbauto/agent/internal/discovery"
)

// outboundIP is replaced in tests.
var outboundIP = discovery.OutboundIP

func runURL(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("url", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.adbauto/config.toml)")
	addr := fs.String("addr", "", "Listen address to describe (default: addr from the config file)")
	qr := fs.Bool("qr", false, "Display the address as a QR code")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: adbauto url [options]\n\nPrint the address of the control panel as seen from the local network.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	listen := *addr
	if listen == "" {
		fileCfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		listen = fileCfg.Addr
		if listen == "" {
			listen = config.DefaultAddr
		}
	}

	u := panelURL(listen)
	if *qr {
		DisplayQRCode(stdout, u)
	} else {
		fmt.Fprintln(stdout, u)
	}
	return 0
}

// panelURL builds the address a browser on the LAN would open. An
// unspecified listen host becomes this device's outbound address.
func panelURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + "/"
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
		if out, err := outboundIP(); err == nil {
			host = out.String()
		}
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

// DisplayQRCode shows the control panel URL as a QR code with a
// plain-text fallback.
func DisplayQRCode(w io.Writer, u string) {
	qr, err := qrcode.New(u, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintln(w, u)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "      SCAN TO OPEN THE CONTROL PANEL")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")

	// ToSmallString(false) uses half blocks and no quiet zone.
	fmt.Fprint(w, qr.ToSmallString(false))

	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintf(w, "  %s\n", u)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}
