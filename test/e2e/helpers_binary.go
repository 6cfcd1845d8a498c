//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const e2eAPIKey = "e2e-test-api-key"

// herdsyncServer manages a running sync server process.
type herdsyncServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	logFile *os.File
}

// startServer launches the server and waits for it to become healthy. The
// server is configured entirely through environment variables.
func startServer(t *testing.T) *herdsyncServer {
	t.Helper()
	requireHerdsync(t)
	return launchServer(t, t.TempDir(), "server.log")
}

func launchServer(t *testing.T, dataDir, logName string) *herdsyncServer {
	t.Helper()

	port := freePort(t)
	cmd := exec.Command(herdsyncBin, "serve")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("HERDSYNC_PORT=%d", port),
		"HERDSYNC_DB_PATH="+filepath.Join(dataDir, "herdsync.db"),
		"HERDSYNC_API_KEY="+e2eAPIKey,
		"HERDSYNC_BUILD=e2e",
		"HERDSYNC_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"), // skip YAML file
	)

	lf, err := os.Create(filepath.Join(dataDir, logName))
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start herdsync: %v", err)
	}

	s := &herdsyncServer{
		cmd:     cmd,
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		logFile: lf,
	}
	t.Cleanup(s.stop)

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("herdsync not healthy: %v", err)
	}
	return s
}

func (s *herdsyncServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
	s.logFile.Close()
}

// restartOnSameData stops the server and starts a new one on the same
// database. The new server listens on a different port.
func (s *herdsyncServer) restartOnSameData(t *testing.T) *herdsyncServer {
	t.Helper()
	s.stop()
	time.Sleep(200 * time.Millisecond) // allow port release
	return launchServer(t, s.dataDir, "server-restart.log")
}

func (s *herdsyncServer) baseURL() string {
	return "http://" + s.address
}

func (s *herdsyncServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("herdsync not healthy after %s", timeout)
}

// history fetches the server's session history for all devices.
func (s *herdsyncServer) history(t *testing.T) []map[string]any {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, s.baseURL()+"/api/v1/sync/history?deviceId=*", nil)
	req.Header.Set("Authorization", "Bearer "+e2eAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status %d", resp.StatusCode)
	}
	var body struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("history decode: %v", err)
	}
	return body.Sessions
}

// deviceCLI runs client subcommands as one device with its own database.
type deviceCLI struct {
	deviceID string
	dbPath   string
	apiURL   string
}

func newDevice(t *testing.T, srv *herdsyncServer, deviceID string) *deviceCLI {
	t.Helper()
	return &deviceCLI{
		deviceID: deviceID,
		dbPath:   filepath.Join(t.TempDir(), deviceID+".db"),
		apiURL:   srv.baseURL(),
	}
}

func (d *deviceCLI) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	full := append([]string{"client"}, args...)
	full = append(full, "--db", d.dbPath, "--api-url", d.apiURL)
	cmd := exec.Command(herdsyncBin, full...)
	cmd.Env = append(os.Environ(),
		"HERDSYNC_CLIENT_API_KEY="+e2eAPIKey,
		"HERDSYNC_CLIENT_DEVICE_ID="+d.deviceID,
		"HERDSYNC_LOG_LEVEL=error",
		"HERDSYNC_CONFIG_PATH="+filepath.Join(filepath.Dir(d.dbPath), "nonexistent.yaml"),
	)
	out, err := cmd.Output()
	return string(out), err
}

func (d *deviceCLI) mustExec(t *testing.T, args ...string) string {
	t.Helper()
	out, err := d.exec(t, args...)
	if err != nil {
		t.Fatalf("herdsync client %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// importAnimals loads animal records with the given ids and breeds.
func (d *deviceCLI) importAnimals(t *testing.T, breeds map[string]string) {
	t.Helper()
	var recs []string
	for id, breed := range breeds {
		recs = append(recs, fmt.Sprintf(`{"kind":"animals","id":%q,"payload":{"breedId":%q,"confidence":0.9}}`, id, breed))
	}
	doc := `{"version":1,"records":[` + strings.Join(recs, ",") + `]}`
	path := filepath.Join(t.TempDir(), "import.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write import file: %v", err)
	}
	d.mustExec(t, "import", path)
}

// syncJSON runs sync --json and returns the per-type summaries keyed by type.
func (d *deviceCLI) syncJSON(t *testing.T) map[string]kindSummary {
	t.Helper()
	out := d.mustExec(t, "sync", "--json")
	var doc struct {
		Types []kindSummary `json:"types"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("sync output: %v\n%s", err, out)
	}
	byKind := make(map[string]kindSummary, len(doc.Types))
	for _, k := range doc.Types {
		byKind[k.Kind] = k
	}
	return byKind
}

// exportRecords returns the records of an export keyed by id.
func (d *deviceCLI) exportRecords(t *testing.T) map[string]exportedRecord {
	t.Helper()
	out := d.mustExec(t, "export")
	var doc struct {
		Records []exportedRecord `json:"records"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("export output: %v\n%s", err, out)
	}
	byID := make(map[string]exportedRecord, len(doc.Records))
	for _, r := range doc.Records {
		byID[r.ID] = r
	}
	return byID
}

type kindSummary struct {
	Kind   string `json:"kind"`
	Upload struct {
		Sent   int `json:"sent"`
		Synced int `json:"synced"`
		Failed int `json:"failed"`
	} `json:"upload"`
	Download struct {
		Received int `json:"received"`
		Applied  int `json:"applied"`
	} `json:"download"`
}

type exportedRecord struct {
	Kind       string          `json:"kind"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	SyncStatus string          `json:"syncStatus"`
}

// freePort returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
