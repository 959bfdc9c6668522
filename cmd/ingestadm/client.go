package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

type ReceiverView struct {
	StreamID int    `json:"stream_id"`
	Address  string `json:"address"`
}

type StreamView struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Pending int    `json:"pending_blocks"`
}

type FailureView struct {
	StreamID int       `json:"stream_id"`
	Address  string    `json:"address"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// AdminClient reads the ingestctl admin HTTP surface.
type AdminClient struct {
	baseURL string
	http    *http.Client
}

func NewAdminClient(addr string, timeout time.Duration) *AdminClient {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &AdminClient{baseURL: addr, http: &http.Client{Timeout: timeout}}
}

func (c *AdminClient) Receivers() ([]ReceiverView, error) {
	var out struct {
		Receivers []ReceiverView `json:"receivers"`
	}
	if err := c.get("/receivers", &out); err != nil {
		return nil, err
	}
	return out.Receivers, nil
}

func (c *AdminClient) Streams() ([]StreamView, error) {
	var out struct {
		Streams []StreamView `json:"streams"`
	}
	if err := c.get("/streams", &out); err != nil {
		return nil, err
	}
	return out.Streams, nil
}

func (c *AdminClient) Failures(limit int) ([]FailureView, error) {
	var out struct {
		Failures []FailureView `json:"failures"`
	}
	if err := c.get("/failures?limit="+strconv.Itoa(limit), &out); err != nil {
		return nil, err
	}
	return out.Failures, nil
}

func (c *AdminClient) Health() (map[string]any, error) {
	out := map[string]any{}
	if err := c.get("/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func runCommand(c *AdminClient, cmd string, limit int, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	switch cmd {
	case "receivers":
		regs, err := c.Receivers()
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "STREAM\tADDRESS")
		for _, r := range regs {
			fmt.Fprintf(tw, "%d\t%s\n", r.StreamID, r.Address)
		}
	case "streams":
		streams, err := c.Streams()
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "STREAM\tNAME\tPENDING")
		for _, s := range streams {
			fmt.Fprintf(tw, "%d\t%s\t%d\n", s.ID, s.Name, s.Pending)
		}
	case "failures":
		failures, err := c.Failures(limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "AT\tSTREAM\tADDRESS\tREASON")
		for _, f := range failures {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", f.At.Format(time.RFC3339), f.StreamID, f.Address, f.Reason)
		}
	case "health":
		h, err := c.Health()
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "status\t%v\nuptime\t%v\ncomponent\t%v\n", h["status"], h["uptime"], h["component"])
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	return nil
}
