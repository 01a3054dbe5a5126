package nmap_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os/exec"
	"strconv"
	"testing"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/Ullaakut/nmap/v3"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Boxworker/internal/model"
	cznmap "github.com/CZERTAINLY/Boxworker/internal/nmap"
)

func raw(t *testing.T, v ...any) []json.RawMessage {
	t.Helper()
	ret := make([]json.RawMessage, 0, len(v))
	for _, x := range v {
		b, err := json.Marshal(x)
		require.NoError(t, err)
		ret = append(ret, b)
	}
	return ret
}

func TestParseTargets(t *testing.T) {
	t.Parallel()
	type then struct {
		targets []cznmap.Target
		err     bool
	}
	var testCases = []struct {
		scenario string
		given    []any
		then     then
	}{
		{
			scenario: "location with parameter",
			given: []any{map[string]any{
				"name":       "localhost",
				"location":   "127.0.0.1",
				"attributes": map[string]any{"NMAP_PARAMETER": "-Pn -p 22,80"},
			}},
			then: then{targets: []cznmap.Target{{
				Name:       "localhost",
				Location:   "127.0.0.1",
				Attributes: map[string]any{"NMAP_PARAMETER": "-Pn -p 22,80"},
			}}},
		},
		{
			scenario: "flat form",
			given: []any{map[string]any{
				"nmap_target":    "scanme.nmap.org",
				"nmap_parameter": "-F",
			}},
			then: then{targets: []cznmap.Target{{
				Name:          "scanme.nmap.org",
				Location:      "scanme.nmap.org",
				NmapTarget:    "scanme.nmap.org",
				NmapParameter: "-F",
			}}},
		},
		{
			scenario: "no targets",
			given:    nil,
			then:     then{targets: []cznmap.Target{}},
		},
		{
			scenario: "string target",
			given:    []any{"foobar"},
			then:     then{err: true},
		},
		{
			scenario: "missing location",
			given:    []any{map[string]any{"name": "nothing"}},
			then:     then{err: true},
		},
		{
			scenario: "option as location",
			given:    []any{map[string]any{"location": "--script=evil"}},
			then:     then{err: true},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			targets, err := cznmap.ParseTargets(raw(t, tc.given...))
			if tc.then.err {
				require.ErrorIs(t, err, model.ErrInvalidTarget)
				require.Equal(t, "InvalidTarget", model.NewFailure(err).ErrorMessage)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.targets, targets)
		})
	}
}

func TestTargetArgs(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"-Pn", "-p", "22"}, cznmap.Target{
		Attributes:    map[string]any{"NMAP_PARAMETER": " -Pn  -p 22 "},
		NmapParameter: "-F",
	}.Args())
	require.Equal(t, []string{"-F"}, cznmap.Target{NmapParameter: "-F"}.Args())
	require.Empty(t, cznmap.Target{}.Args())
}

func TestHostFindings(t *testing.T) {
	t.Parallel()
	host := nmap.Host{
		Addresses: []nmap.Address{{Addr: "192.168.0.10", AddrType: "ipv4"}, {Addr: "00:11:22:33:44:55", AddrType: "mac"}},
		Hostnames: []nmap.Hostname{{Name: "db.local"}},
		Status:    nmap.Status{State: "up"},
		Ports: []nmap.Port{
			{ID: 22, Protocol: "tcp", State: nmap.State{State: "open"}, Service: nmap.Service{Name: "ssh", Product: "OpenSSH", Version: "9.6"}},
			{ID: 25, Protocol: "tcp", State: nmap.State{State: "closed"}},
			{ID: 5432, Protocol: "tcp", State: nmap.State{State: "open"}, Service: nmap.Service{Name: "postgresql"}},
		},
	}

	findings := cznmap.HostFindings(host)
	require.Len(t, findings, 3)

	require.Equal(t, cznmap.CategoryHost, findings[0].Category)
	require.Equal(t, "db.local", findings[0].Location)
	require.Equal(t, "00:11:22:33:44:55", findings[0].Attributes["mac_address"])

	ssh := findings[1]
	require.Equal(t, cznmap.CategoryOpenPort, ssh.Category)
	require.Equal(t, "Port 22 is open", ssh.Name)
	require.Equal(t, "tcp://192.168.0.10:22", ssh.Location)
	require.Equal(t, model.SeverityInformational, ssh.Severity)
	require.Equal(t, 22, ssh.Attributes["port"])
	require.Equal(t, "OpenSSH", ssh.Attributes["serviceProductName"])
	require.NotEmpty(t, ssh.ID)

	require.Equal(t, "tcp://192.168.0.10:5432", findings[2].Location)

	t.Run("down", func(t *testing.T) {
		host := host
		host.Status.State = "down"
		require.Empty(t, cznmap.HostFindings(host))
	})
}

func TestExecute_InvalidTarget(t *testing.T) {
	t.Parallel()
	_, err := cznmap.New().Execute(t.Context(), raw(t, "foobar"))
	var jobErr *model.JobError
	require.True(t, errors.As(err, &jobErr))
	require.Equal(t, model.KindInvalidTarget, jobErr.Kind)
}

func TestExecute_NoNmap(t *testing.T) {
	t.Parallel()
	s := cznmap.New().WithNmapBinary("/does/not/exist/nmap")
	_, err := s.Execute(t.Context(), raw(t, map[string]any{"location": "127.0.0.1"}))
	require.Error(t, err)

	st, err := s.SelfTest(t.Context())
	require.Error(t, err)
	require.Equal(t, model.SelfTest{Version: model.Unknown, TestRun: model.TestRunFailed}, st)
}

func TestExecute(t *testing.T) {
	t.Parallel()
	nmapPath, err := exec.LookPath("nmap")
	if err != nil {
		t.Skipf("skipped, binary nmap not available: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	addrPort := netip.MustParseAddrPort(srv.Listener.Addr().String())
	port := strconv.Itoa(int(addrPort.Port()))

	s := cznmap.New().WithNmapBinary(nmapPath).WithParallelism(2)

	t.Run("self test", func(t *testing.T) {
		st, err := s.SelfTest(t.Context())
		require.NoError(t, err)
		require.Equal(t, model.TestRunSuccessful, st.TestRun)
		require.NotEmpty(t, st.Version)
	})

	t.Run("scan", func(t *testing.T) {
		result, err := s.Execute(t.Context(), raw(t, map[string]any{
			"name":       "httptest",
			"location":   addrPort.Addr().String(),
			"attributes": map[string]any{"NMAP_PARAMETER": "-Pn -sT -p " + port},
		}))
		require.NoError(t, err)

		var open []model.Finding
		for _, f := range result.Findings {
			if f.Category == cznmap.CategoryOpenPort {
				open = append(open, f)
			}
		}
		require.Len(t, open, 1)
		require.Equal(t, "tcp://127.0.0.1:"+port, open[0].Location)

		var bom cdx.BOM
		err = cdx.NewBOMDecoder(bytes.NewReader(result.Raw), cdx.BOMFileFormatJSON).Decode(&bom)
		require.NoError(t, err)
		require.NotNil(t, bom.Components)
		require.Len(t, *bom.Components, 2)
	})
}
