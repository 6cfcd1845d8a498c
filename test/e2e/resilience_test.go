//go:build e2e

package e2e

import (
	"fmt"
	"testing"
)

func TestResilience_SyncWhileServerDown(t *testing.T) {
	srv := startServer(t)
	d := newDevice(t, srv, "tablet-a")
	d.importAnimals(t, map[string]string{"cow-1": "angus"})

	// Given the server goes away
	srv.stop()

	// When the device syncs
	out, err := d.exec(t, "sync")

	// Then sync fails and the record stays pending
	if err == nil {
		t.Fatalf("sync succeeded with the server down:\n%s", out)
	}
	if got := d.exportRecords(t)["cow-1"].SyncStatus; got != "pending" {
		t.Errorf("cow-1 status = %q, want pending", got)
	}
}

func TestResilience_ServerRestart_SyncRecovery(t *testing.T) {
	srv := startServer(t)
	d := newDevice(t, srv, "tablet-a")
	d.importAnimals(t, map[string]string{"cow-1": "angus"})
	d.syncJSON(t)

	// Given the server restarts on the same data and a new address
	srv = srv.restartOnSameData(t)
	d.apiURL = srv.baseURL()

	// When the device edits nothing and syncs again
	sums := d.syncJSON(t)

	// Then nothing is resent and nothing is downloaded twice
	if sums["animals"].Upload.Sent != 0 || sums["animals"].Download.Received != 0 {
		t.Errorf("after restart = %+v", sums["animals"])
	}

	// And a second device still sees the record that survived the restart
	other := newDevice(t, srv, "tablet-b")
	if got := other.syncJSON(t)["animals"].Download.Applied; got != 1 {
		t.Errorf("device B applied = %d, want 1", got)
	}
}

func TestResilience_ManyRecordsInBatches(t *testing.T) {
	srv := startServer(t)
	d := newDevice(t, srv, "tablet-a")

	breeds := make(map[string]string, 250)
	for i := range 250 {
		breeds[fmt.Sprintf("cow-%03d", i)] = "angus"
	}
	d.importAnimals(t, breeds)

	sums := d.syncJSON(t)
	if sums["animals"].Upload.Synced != 250 {
		t.Fatalf("upload = %+v", sums["animals"])
	}

	other := newDevice(t, srv, "tablet-b")
	if got := other.syncJSON(t)["animals"].Download.Applied; got != 250 {
		t.Errorf("device B applied = %d, want 250", got)
	}
}
