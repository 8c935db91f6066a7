package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncline/internal/config"
	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/datastore/memstore"
	"github.com/roach88/syncline/internal/monitor"
	"github.com/roach88/syncline/internal/orchestrator"
	"github.com/roach88/syncline/internal/retry"
	"github.com/roach88/syncline/internal/testutil"
	"github.com/roach88/syncline/internal/value"
)

const configTemplate = `options:
  conflict_strategy: %s
  retry_delay: 10ms
source:
  driver: memory
target:
  driver: memory
job_store:
  path: %q
tables:
  - name: properties
    key: property_id
    tracking:
      method: timestamp_column
      column: updated_at
mappings:
  - source_table: properties
    target_table: property_records
    target_id_format: "PROP-{source_id}"
    fields:
      parcel_id: parcel_number
      ownership:
        primary_owner: owner_name
      valuation:
        total: total_value
        land: land_value
`

var updatedAt = time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

func property(id int64, owner string, total, land int64) *value.Map {
	return value.MapOf(
		value.P("property_id", value.Int(id)),
		value.P("parcel_number", value.String(fmt.Sprintf("P-%04d", id))),
		value.P("owner_name", value.String(owner)),
		value.P("total_value", value.Int(total)),
		value.P("land_value", value.Int(land)),
		value.P("updated_at", value.Time(updatedAt)),
	)
}

func record(id int64, owner string, total, land int64) *value.Map {
	return value.MapOf(
		value.P("id", value.String(fmt.Sprintf("PROP-%d", id))),
		value.P("parcel_id", value.String(fmt.Sprintf("P-%04d", id))),
		value.P("ownership", value.MapOf(value.P("primary_owner", value.String(owner)))),
		value.P("valuation", value.MapOf(
			value.P("total", value.Int(total)),
			value.P("land", value.Int(land)),
		)),
	)
}

// cliFixture runs commands against in-memory stores that outlive each
// invocation, the way real databases outlive a process.
type cliFixture struct {
	source     *memstore.Store
	target     *memstore.Store
	configPath string
	overrides  Overrides
}

func newCLIFixture(t *testing.T, strategy string) *cliFixture {
	t.Helper()
	dir := t.TempDir()
	f := &cliFixture{
		source:     memstore.New(),
		target:     memstore.New(),
		configPath: filepath.Join(dir, "sync.yaml"),
	}
	require.NoError(t, f.target.CreateTable(datastore.Schema{
		Table: "property_records",
		Columns: []datastore.Column{
			{Name: "id", Type: datastore.T(datastore.Text), PrimaryKey: true},
			{Name: "parcel_id", Type: datastore.T(datastore.Text), Nullable: true},
			{Name: "ownership", Type: datastore.T(datastore.JSONObject), Nullable: true},
			{Name: "valuation", Type: datastore.T(datastore.JSONObject), Nullable: true},
		},
	}))
	cfg := fmt.Sprintf(configTemplate, strategy, filepath.Join(dir, "jobs.db"))
	require.NoError(t, os.WriteFile(f.configPath, []byte(cfg), 0o644))

	f.overrides = Overrides{
		OpenStore: func(_ context.Context, role string, _ config.Store) (datastore.DataStore, error) {
			if role == "source" {
				return f.source, nil
			}
			return f.target, nil
		},
		Sampler: monitor.Static(monitor.Sample{CPUPercent: 40, MemoryPercent: 50}),
		Cores:   4,
		Clock:   testutil.NewFakeClock(time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC), time.Millisecond),
		IDs:     testutil.NewSequentialIDs("run"),
		RetryOptions: []retry.Option{
			retry.WithSleep(func(context.Context, time.Duration) error { return nil }),
		},
	}
	return f
}

// run executes one command line and returns its stdout.
func (f *cliFixture) run(args ...string) (string, error) {
	opts := &RootOptions{Overrides: f.overrides}
	cmd := newRootCommand(opts)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", f.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func targetValue(t *testing.T, s *memstore.Store, id, path string) value.Value {
	t.Helper()
	row, ok := s.Row("property_records", id)
	require.True(t, ok, "row %s", id)
	v, ok := value.GetPath(row, path)
	require.True(t, ok, "%s.%s", id, path)
	return v
}

func decodeResponse(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var resp struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if data != nil {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp.CLIResponse
}

func TestFullCommandReplicates(t *testing.T) {
	f := newCLIFixture(t, "source_wins")
	require.NoError(t, f.source.Seed("properties", "property_id",
		property(101, "Jane Doe", 350000, 100000),
		property(156, "John Roe", 210000, 80000),
	))

	out, err := f.run("--format", "json", "full")
	require.NoError(t, err)

	var res orchestrator.Result
	resp := decodeResponse(t, out, &res)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, res.Success)
	assert.Equal(t, "full", string(res.Mode))
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, map[string]int{"properties": 2}, res.TablesProcessed)

	assert.Equal(t, value.String("John Roe"), targetValue(t, f.target, "PROP-156", "ownership.primary_owner"))
	assert.Equal(t, value.Int(80000), targetValue(t, f.target, "PROP-156", "valuation.land"))
	assert.Equal(t, value.String("P-0101"), targetValue(t, f.target, "PROP-101", "parcel_id"))
}

func TestFullCommandTextOutput(t *testing.T) {
	f := newCLIFixture(t, "source_wins")
	require.NoError(t, f.source.Seed("properties", "property_id", property(101, "Jane Doe", 350000, 100000)))

	out, err := f.run("full")
	require.NoError(t, err)
	assert.Contains(t, out, "Run run-1 (full): completed\n")
	assert.Contains(t, out, "processed 1, succeeded 1, failed 0, skipped 0\n")
	assert.Contains(t, out, "conflicts: detected 0, resolved 0, held 0\n")
	assert.Contains(t, out, "Tables:\n  properties: 1\n")
}

func TestSelectiveCommandFiltersRows(t *testing.T) {
	f := newCLIFixture(t, "source_wins")
	require.NoError(t, f.source.Seed("properties", "property_id",
		property(1, "A", 200000, 100000),
		property(2, "B", 300000, 160000),
		property(3, "C", 120000, 90000),
	))

	out, err := f.run("--format", "json", "selective", "--where", "properties=land_value > 150000")
	require.NoError(t, err)

	var res orchestrator.Result
	decodeResponse(t, out, &res)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, f.target.Snapshot("property_records"), 1)
	_, ok := f.target.Row("property_records", "PROP-2")
	assert.True(t, ok)
}

func TestSelectiveCommandNeedsATable(t *testing.T) {
	f := newCLIFixture(t, "source_wins")

	out, err := f.run("selective")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, IsReported(err))
	assert.Contains(t, out, "Error [E006]: invalid selection: at least one --table or --where is required")
}

func TestManualConflictRoundTrip(t *testing.T) {
	f := newCLIFixture(t, "manual")
	require.NoError(t, f.source.Seed("properties", "property_id", property(101, "Jane Doe", 350000, 100000)))
	require.NoError(t, f.target.Seed("property_records", "id", record(101, "Jane Doe", 360000, 100000)))

	out, err := f.run("incremental", "--since", "2024-03-01T00:00:00Z")
	require.Error(t, err, "held conflicts fail the run")
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, IsReported(err))
	assert.Contains(t, out, "(incremental): failed")
	assert.Contains(t, out, "conflicts: detected 1, resolved 0, held 1")

	out, err = f.run("--format", "json", "conflicts", "list")
	require.NoError(t, err)
	var held []struct {
		ID         string   `json:"id"`
		TargetID   string   `json:"target_id"`
		Status     string   `json:"status"`
		Unresolved []string `json:"unresolved"`
	}
	decodeResponse(t, out, &held)
	require.Len(t, held, 1)
	assert.Equal(t, "PROP-101", held[0].TargetID)
	assert.Equal(t, "pending", held[0].Status)
	assert.Equal(t, []string{"valuation.total"}, held[0].Unresolved)
	id := held[0].ID

	out, err = f.run("conflicts", "resolve", id, "--strategy", "custom", "--set", "valuation.total=352000")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("Conflict %s resolved with custom\n", id), out)

	assert.Equal(t, value.Int(352000), targetValue(t, f.target, "PROP-101", "valuation.total"))

	out, err = f.run("conflicts", "resolve", id, "--strategy", "source")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, fmt.Sprintf("conflict %s is not pending", id))

	out, err = f.run("conflicts", "list")
	require.NoError(t, err)
	assert.Equal(t, "No conflicts\n", out)

	out, err = f.run("--format", "json", "conflicts", "list", "--status", "resolved")
	require.NoError(t, err)
	var resolved []ConflictView
	decodeResponse(t, out, &resolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "cli", resolved[0].Resolver)
	assert.Equal(t, "custom", resolved[0].Strategy)
}

func TestResolveUnknownConflict(t *testing.T) {
	f := newCLIFixture(t, "manual")

	out, err := f.run("--format", "json", "conflicts", "resolve", "missing", "--strategy", "target")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out, nil)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestResolveRejectsSetWithoutCustom(t *testing.T) {
	f := newCLIFixture(t, "manual")

	out, err := f.run("conflicts", "resolve", "c-1", "--strategy", "source", "--set", "a=1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "--set requires --strategy custom")
}

func TestBulkResolveCommand(t *testing.T) {
	f := newCLIFixture(t, "manual")
	require.NoError(t, f.source.Seed("properties", "property_id",
		property(101, "Jane Doe", 350000, 100000),
		property(156, "John Roe", 210000, 80000),
	))
	require.NoError(t, f.target.Seed("property_records", "id",
		record(101, "Jane Doe", 360000, 100000),
		record(156, "John Roe", 250000, 80000),
	))
	_, err := f.run("incremental", "--since", "2024-03-01T00:00:00Z")
	require.Error(t, err)

	out, err := f.run("conflicts", "bulk-resolve", "--strategy", "source")
	require.NoError(t, err)
	assert.Equal(t, "Resolved 2 conflict(s) with source\n", out)

	assert.Equal(t, value.Int(210000), targetValue(t, f.target, "PROP-156", "valuation.total"))
	assert.Equal(t, value.Int(350000), targetValue(t, f.target, "PROP-101", "valuation.total"))
}

func TestInvalidConfigurationIsReported(t *testing.T) {
	f := newCLIFixture(t, "coin_flip")

	out, err := f.run("--format", "json", "full")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, IsReported(err))

	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Code    string   `json:"code"`
			Details []string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)
	require.Len(t, resp.Error.Details, 1)
	assert.Contains(t, resp.Error.Details[0], `options.conflict_strategy: unknown conflict strategy "coin_flip"`)
}

func TestMissingConfigurationFile(t *testing.T) {
	f := newCLIFixture(t, "source_wins")
	f.configPath = filepath.Join(t.TempDir(), "absent.yaml")

	out, err := f.run("full")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]: failed to load configuration")
}

func TestCheckCommand(t *testing.T) {
	f := newCLIFixture(t, "source_wins")
	require.NoError(t, f.source.Seed("properties", "property_id", property(101, "Jane Doe", 350000, 100000)))

	out, err := f.run("check")
	require.NoError(t, err)
	assert.Contains(t, out, "is compatible with both schemas")

	f.target = memstore.New()
	out, err = f.run("--format", "json", "check")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var res CheckResult
	decodeResponse(t, out, &res)
	assert.False(t, res.OK)
	assert.Equal(t, []string{"target table property_records does not exist"}, res.Problems)
}

func TestResourcesCommand(t *testing.T) {
	f := newCLIFixture(t, "source_wins")

	out, err := f.run("--format", "json", "resources")
	require.NoError(t, err)

	var res ResourcesResult
	decodeResponse(t, out, &res)
	assert.Equal(t, 4, res.Cores)
	assert.Equal(t, 40.0, res.Sample.CPUPercent)
	require.Len(t, res.Recommendations, len(monitor.Workloads))
	for _, r := range res.Recommendations {
		assert.Equal(t, monitor.Recommend(r.Workload, res.Sample, 4), r)
	}

	out, err = f.run("resources")
	require.NoError(t, err)
	assert.Contains(t, out, "Cores: 4\n")
	assert.Contains(t, out, "WORKLOAD")
	assert.Contains(t, out, string(monitor.RepositoryWrite))
}

func TestParseSelection(t *testing.T) {
	tests := []struct {
		name       string
		tables     []string
		where      []string
		wantTables []string
		wantPreds  map[string]string
		wantErr    string
	}{
		{
			name:       "tables only",
			tables:     []string{"properties", "owners"},
			wantTables: []string{"properties", "owners"},
			wantPreds:  map[string]string{},
		},
		{
			name:       "where adds its table",
			tables:     []string{"owners"},
			where:      []string{"properties = land_value > 150000"},
			wantTables: []string{"owners", "properties"},
			wantPreds:  map[string]string{"properties": "land_value > 150000"},
		},
		{
			name:       "expression keeps later equals signs",
			where:      []string{"properties=status = 'A'"},
			wantTables: []string{"properties"},
			wantPreds:  map[string]string{"properties": "status = 'A'"},
		},
		{
			name:    "missing expression",
			where:   []string{"properties="},
			wantErr: "want TABLE=EXPR",
		},
		{
			name:    "two predicates",
			where:   []string{"properties=a = 1", "properties=b = 2"},
			wantErr: "has two predicates",
		},
		{
			name:    "nothing selected",
			wantErr: "at least one --table or --where is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables, preds, err := parseSelection(tt.tables, tt.where)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTables, tables)
			assert.Equal(t, tt.wantPreds, preds)
		})
	}
}

func TestParseSets(t *testing.T) {
	m, err := parseSets(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = parseSets([]string{"valuation.total=352000", "status=active", `tags=["a"]`})
	require.NoError(t, err)
	assert.Equal(t, value.MapOf(
		value.P("valuation.total", value.Int(352000)),
		value.P("status", value.String("active")),
		value.P("tags", value.List{value.String("a")}),
	), m)

	_, err = parseSets([]string{"=1"})
	assert.Error(t, err)
	_, err = parseSets([]string{"novalue"})
	assert.Error(t, err)
}
