package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"pumpctl.org/internal/auth"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func main() {
	var (
		baseURL = flag.String("url", envOr("PUMPCTL_URL", "http://localhost:8080"), "pumpd base URL")
		token   = flag.String("token", os.Getenv("PUMPCTL_TOKEN"), "Bearer token")
		timeout = flag.Duration("timeout", 30*time.Second, "Request timeout")
	)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	c := &client{baseURL: strings.TrimRight(*baseURL, "/"), token: *token, http: &http.Client{Timeout: *timeout}}
	args := flag.Args()[1:]

	var err error
	switch flag.Arg(0) {
	case "token":
		err = runToken(args)
	case "session":
		err = c.print(http.MethodGet, "/v1/session", nil)
	case "devices":
		err = c.print(http.MethodGet, "/v1/devices", nil)
	case "status":
		need(args, 1)
		err = c.print(http.MethodPost, "/v1/devices/"+args[0]+"/status", nil)
	case "pump":
		need(args, 2)
		err = runPump(c, args[0], args[1])
	case "select":
		need(args, 1)
		err = c.print(http.MethodPost, "/v1/devices/"+args[0]+"/select", nil)
	case "schedules":
		need(args, 1)
		err = runSchedules(c, args[0], args[1:])
	case "ota":
		need(args, 2)
		err = runOTA(c, args[0], args[1])
	case "watch":
		c.http.Timeout = 0
		err = runWatch(c)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
}

// runToken mints a development HS256 token with PUMPCTL_AUTH_SECRET.
func runToken(args []string) error {
	need(args, 1)
	v, err := auth.NewHMACVerifier(os.Getenv("PUMPCTL_AUTH_SECRET"))
	if err != nil {
		return err
	}
	tok, err := v.GenerateToken(args[0], 12*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runPump(c *client, dev, state string) error {
	var on bool
	switch strings.ToLower(state) {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("state must be on or off, got %q", state)
	}
	return c.print(http.MethodPost, "/v1/devices/"+dev+"/pump", map[string]any{"on": on})
}

func runSchedules(c *client, dev string, args []string) error {
	base := "/v1/devices/" + dev + "/schedules"
	if len(args) == 0 || args[0] == "list" {
		return c.print(http.MethodGet, base+"?refresh=true", nil)
	}
	switch args[0] {
	case "add":
		// add <start RFC3339> <minutes> [once|hourly|daily|weekly|custom:<hours>]
		need(args, 3)
		start, err := time.Parse(time.RFC3339, args[1])
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		minutes, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("minutes: %w", err)
		}
		body := map[string]any{"start": start, "duration_minutes": minutes, "frequency": "once"}
		if len(args) > 3 {
			freq, hours, custom := strings.Cut(args[3], ":")
			body["frequency"] = freq
			if custom {
				h, err := strconv.ParseInt(hours, 10, 64)
				if err != nil {
					return fmt.Errorf("custom hours: %w", err)
				}
				body["custom_hours"] = h
			}
		}
		return c.print(http.MethodPost, base, body)
	case "delete":
		need(args, 2)
		return c.print(http.MethodDelete, base+"/"+args[1], nil)
	case "toggle":
		need(args, 2)
		return c.print(http.MethodPost, base+"/"+args[1]+"/toggle", nil)
	}
	return fmt.Errorf("unknown schedules action %q", args[0])
}

func runOTA(c *client, dev, path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c.http.Timeout = 0
	resp, err := c.do(context.Background(), http.MethodPost, "/v1/devices/"+dev+"/firmware", "application/octet-stream", bytes.NewReader(image))
	if err != nil {
		return err
	}
	return dump(resp)
}

func runWatch(c *client) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	resp, err := c.do(ctx, http.MethodGet, "/v1/events", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return dump(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			fmt.Println(data)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

func (c *client) print(method, path string, body any) error {
	var (
		reader io.Reader
		ctype  string
	)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader, ctype = bytes.NewReader(raw), "application/json"
	}
	resp, err := c.do(context.Background(), method, path, ctype, reader)
	if err != nil {
		return err
	}
	return dump(resp)
}

func (c *client) do(ctx context.Context, method, path, ctype string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// dump pretty-prints the body and turns non-2xx answers into errors.
func dump(resp *http.Response) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if len(data) > 0 && json.Indent(&pretty, data, "", "  ") == nil {
		data = pretty.Bytes()
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(data))
	}
	if len(data) > 0 {
		fmt.Println(string(data))
	}
	return nil
}

func need(args []string, n int) {
	if len(args) < n {
		usage()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s [-url URL] [-token TOKEN] <command>

commands:
  token <email>                     mint a dev token (PUMPCTL_AUTH_SECRET)
  session | devices | watch
  status <device>
  pump <device> on|off
  select <device>
  schedules <device> [list]
  schedules <device> add <start RFC3339> <minutes> [once|hourly|daily|weekly|custom:<hours>]
  schedules <device> delete|toggle <id>
  ota <device> <image file>
`, os.Args[0])
	os.Exit(1)
}
