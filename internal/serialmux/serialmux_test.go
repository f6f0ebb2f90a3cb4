package serialmux

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// localHostRequest creates an httptest request that appears to come from
// localhost, which tsweb.AllowDebugAccess accepts.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestInitialize_SendsELM327Commands(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	if err := mux.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	want := "ATZ\rATE0\rATL0\rATS1\rATH0\rATSP0\r"
	if got := port.Written(); got != want {
		t.Errorf("written = %q, want %q", got, want)
	}
}

func TestInitialize_CustomAndWriteError(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	mux.SetInitCommands(nil)
	if err := mux.Initialize(); err != nil || port.Written() != "" {
		t.Errorf("no init commands: err=%v written=%q", err, port.Written())
	}

	boom := errors.New("boom")
	port.SetWriteError(boom)
	mux.SetInitCommands([]string{"ATZ"})
	if err := mux.Initialize(); !errors.Is(err, boom) {
		t.Errorf("Initialize err = %v, want wrapped boom", err)
	}
}

func TestSendCommand_TerminatorAddedOnce(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	mux.SendCommand("010C")
	mux.SendCommand("010D\r")
	if got := port.Written(); got != "010C\r010D\r" {
		t.Errorf("written = %q", got)
	}
}

func TestScanDeviceLines(t *testing.T) {
	in := "ELM327 v1.5\r\r>41 0C 1A F8\r\r>\n$GPRMC,1\r\nlast"
	scan := bufio.NewScanner(strings.NewReader(in))
	scan.Split(scanDeviceLines)
	var got []string
	for scan.Scan() {
		got = append(got, scan.Text())
	}
	want := []string{"ELM327 v1.5", "41 0C 1A F8", "$GPRMC,1", "last"}
	if len(got) != len(want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMonitor_FansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	id1, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	port.AddReadData("41 0D 3C\r>")
	port.EndOfData()

	if err := mux.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	for i, ch := range []chan string{ch1, ch2} {
		select {
		case line := <-ch:
			if line != "41 0D 3C" {
				t.Errorf("subscriber %d got %q", i, line)
			}
		default:
			t.Errorf("subscriber %d got nothing", i)
		}
	}
	if lines, dropped := mux.Stats(); lines != 1 || dropped != 0 {
		t.Errorf("stats = %d, %d", lines, dropped)
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("unsubscribed channel should be closed")
	}
}

func TestMonitor_Cancelled(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	mux.Close()
}

func TestClose_ClosesSubscribers(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()
	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if _, late := mux.Subscribe(); late == nil {
		t.Fatal("nil channel")
	} else if _, ok := <-late; ok {
		t.Error("subscribing after close should yield a closed channel")
	}
	if err := mux.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestAdminRoutes_SendCommandAPI(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"valid", http.MethodPost, url.Values{"command": {"0105"}}, http.StatusOK},
		{"empty", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := localHostRequest(tt.method, "/debug/send-command-api", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			httpMux.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
	if !strings.Contains(port.Written(), "0105\r") {
		t.Errorf("command not written: %q", port.Written())
	}
}

func TestAdminRoutes_SendCommandPage(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/send-command", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "send-command-api") {
		t.Errorf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestPortOptions(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if opts.BaudRate != DefaultBaudRate || opts.Parity != "N" || opts.DataBits != 8 || opts.StopBits != 1 {
		t.Errorf("defaults = %+v", opts)
	}
	for _, bad := range []PortOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "X"}} {
		if _, err := bad.SerialMode(); err == nil {
			t.Errorf("%+v: expected error", bad)
		}
	}
	mode, err := PortOptions{BaudRate: 115200, Parity: "even", StopBits: 2}.SerialMode()
	if err != nil {
		t.Fatal(err)
	}
	if mode.BaudRate != 115200 {
		t.Errorf("baud = %d", mode.BaudRate)
	}
}

func TestClassifyLine(t *testing.T) {
	cases := map[string]string{
		"41 0C 1A F8":                    LineOBD,
		"410D3C":                         LineOBD,
		"$GPRMC,123519,A,4807.038,N":     LineNMEA,
		"oil_pressure=42.5":              LineSample,
		"1712345678.5,coolant_temp,195":  LineSample,
		"NO DATA":                        LineStatus,
		"SEARCHING...":                   LineStatus,
		"":                               LineStatus,
		"garbage":                        LineUnknown,
	}
	for in, want := range cases {
		if got := ClassifyLine(in); got != want {
			t.Errorf("ClassifyLine(%q) = %s, want %s", in, got, want)
		}
	}
}
