// ════════════════════════════════════════════════════════════════════════════════════════════════
// Differential Soak Harness - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Shared-Memory Container Toolkit
// Component: Long-Run Differential Tester
//
// Description:
//   Drives the arena map with a long randomized insert/erase/lookup workload mirrored against a
//   reference model, verifying size, sorted traversal, and free-slot conservation on a cadence,
//   with periodic pack/unpack round-trips and an optional live shared-mapping rendezvous. Run
//   outcomes can be appended to a SQLite history for trend tracking across builds.
//
// Architecture:
//   - Phase 0: Scenario loading and state construction
//   - Phase 1: Randomized differential workload with cadenced audits
//   - Phase 2: Drain-down and final conservation audit
//   - Phase 3: Verdict, run history record, teardown
//
// Usage:
//   soak [-db runs.db] [-shm arena.img] [scenario.json]
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"database/sql"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"shmap/debug"
	"shmap/flatmap"
	"shmap/segment"
	"shmap/utils"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SCENARIO CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Scenario is one soak workload description, loadable from a JSON file.
type Scenario struct {
	Capacity       int   `json:"capacity"`         // arena slot count
	Operations     int   `json:"operations"`       // total random operations
	Seed           int64 `json:"seed"`             // deterministic workload seed
	KeySpace       int64 `json:"key_space"`        // keys drawn from [0, KeySpace)
	InsertWeight   int   `json:"insert_weight"`    // relative insert frequency
	EraseWeight    int   `json:"erase_weight"`     // relative erase frequency
	LookupWeight   int   `json:"lookup_weight"`    // relative lookup frequency
	CheckEvery     int   `json:"check_every"`      // full-audit cadence in operations
	RoundTripEvery int   `json:"round_trip_every"` // pack/unpack cadence in operations
}

// defaultScenario keeps the arena around half-full so insert, erase, and capacity-edge paths
// all stay hot.
func defaultScenario() Scenario {
	return Scenario{
		Capacity:       4096,
		Operations:     2_000_000,
		Seed:           69,
		KeySpace:       8192,
		InsertWeight:   45,
		EraseWeight:    40,
		LookupWeight:   15,
		CheckEvery:     1 << 16,
		RoundTripEvery: 1 << 18,
	}
}

// loadScenario reads and validates a scenario file. Startup failures are fatal.
func loadScenario(path string) Scenario {
	raw, err := os.ReadFile(path)
	if err != nil {
		panic("Failed to load scenario " + path + ": " + err.Error())
	}

	sc := defaultScenario()
	if err := sonnet.Unmarshal(raw, &sc); err != nil {
		panic("Failed to parse scenario " + path + ": " + err.Error())
	}
	validateScenario(sc)
	return sc
}

func validateScenario(sc Scenario) {
	switch {
	case sc.Capacity <= 0 || sc.Capacity > flatmap.MaxCapacity:
		panic("Scenario capacity out of range: " + utils.Itoa(sc.Capacity))
	case sc.Operations <= 0:
		panic("Scenario operations must be positive")
	case sc.KeySpace <= 0:
		panic("Scenario key_space must be positive")
	case sc.InsertWeight < 0 || sc.EraseWeight < 0 || sc.LookupWeight < 0:
		panic("Scenario weights must not be negative")
	case sc.InsertWeight+sc.EraseWeight+sc.LookupWeight == 0:
		panic("Scenario weights sum to zero")
	case sc.CheckEvery <= 0 || sc.RoundTripEvery <= 0:
		panic("Scenario cadences must be positive")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RUN STATE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// harness holds one soak run: the arena under test, the reference model, and the bookkeeping
// that ends up in the run record.
type harness struct {
	cfg   Scenario
	label string

	rng    *rand.Rand
	arena  *flatmap.Map[int64, uint64]
	model  map[int64]uint64
	origin *segment.Origin
	shared *segment.Mapping
	db     *sql.DB

	step       int
	inserts    int
	erases     int
	lookups    int
	roundTrips int
	started    time.Time
}

// failureReport is the JSON dump emitted before a failing exit; it carries everything needed to
// replay the run deterministically.
type failureReport struct {
	Stage    string   `json:"stage"`
	Detail   string   `json:"detail"`
	Step     int      `json:"step"`
	Size     int      `json:"size"`
	Scenario Scenario `json:"scenario"`
}

// fail dumps a replayable report, records the outcome, and exits non-zero.
func (r *harness) fail(stage, detail string) {
	if js, err := sonnet.Marshal(failureReport{
		Stage:    stage,
		Detail:   detail,
		Step:     r.step,
		Size:     r.arena.Size(),
		Scenario: r.cfg,
	}); err == nil {
		debug.DropMessage("REPORT", utils.B2s(js))
	}
	debug.DropMessage("FAIL", stage+": "+detail)
	r.recordRun("fail:" + stage)
	r.teardown()
	os.Exit(1)
}

func (r *harness) teardown() {
	if r.shared != nil {
		if err := r.shared.Close(); err != nil {
			debug.DropError("SHM_CLOSE", err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			debug.DropError("DB_CLOSE", err)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// DIFFERENTIAL WORKLOAD
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// applyStep runs one random operation against both the arena and the model and cross-checks
// the outcome.
func (r *harness) applyStep() {
	total := r.cfg.InsertWeight + r.cfg.EraseWeight + r.cfg.LookupWeight
	roll := r.rng.Intn(total)
	key := r.rng.Int63n(r.cfg.KeySpace)

	switch {
	case roll < r.cfg.InsertWeight:
		want, inModel := r.model[key]
		if !inModel && r.arena.Size() == r.cfg.Capacity {
			return // full arena and a new key: inserting would be a contract violation
		}
		val := utils.Mix64(uint64(key) ^ uint64(r.step)<<17)
		idx, existed := r.arena.Insert(key, val)
		if existed != inModel {
			r.fail("insert", "existence disagreement at key "+utils.Itoa(int(key)))
		}
		if existed {
			if got := r.arena.ValueAt(idx); got != want {
				r.fail("insert", "first write not preserved at key "+utils.Itoa(int(key)))
			}
		} else {
			r.model[key] = val
			r.inserts++
		}

	case roll < r.cfg.InsertWeight+r.cfg.EraseWeight:
		_, inModel := r.model[key]
		n := r.arena.Erase(key)
		if (n == 1) != inModel {
			r.fail("erase", "erase count disagreement at key "+utils.Itoa(int(key)))
		}
		if inModel {
			delete(r.model, key)
			r.erases++
		}

	default:
		got, ok := r.arena.Get(key)
		want, inModel := r.model[key]
		if ok != inModel || (ok && got != want) {
			r.fail("lookup", "value disagreement at key "+utils.Itoa(int(key)))
		}
		r.lookups++
	}
}

// sortedModelKeys returns the model's keys in ascending order, the sequence the arena's
// traversal must reproduce exactly.
func (r *harness) sortedModelKeys() []int64 {
	keys := make([]int64, 0, len(r.model))
	for k := range r.model {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// fullCheck audits the arena against the model: size, sorted traversal with values, and
// free-slot conservation.
func (r *harness) fullCheck(stage string) {
	if r.arena.Size() != len(r.model) {
		r.fail(stage, "size "+utils.Itoa(r.arena.Size())+" diverged from model "+utils.Itoa(len(r.model)))
	}

	keys := r.sortedModelKeys()
	i := 0
	for it := r.arena.Begin(); !it.AtEnd(); it.Next() {
		if i >= len(keys) || it.Key() != keys[i] || it.Value() != r.model[keys[i]] {
			r.fail(stage, "traversal diverged at position "+utils.Itoa(i))
		}
		i++
	}
	if i != len(keys) {
		r.fail(stage, "traversal ended early at position "+utils.Itoa(i))
	}

	free := 0
	links := r.arena.Links()
	for idx := r.arena.Header().Free; idx != flatmap.NilIdx; idx = links[idx].Right {
		free++
		if free > r.cfg.Capacity {
			r.fail(stage, "free chain exceeds capacity")
		}
	}
	if r.arena.Size()+free != r.cfg.Capacity {
		r.fail(stage, "occupied "+utils.Itoa(r.arena.Size())+" + free "+utils.Itoa(free)+" diverged from capacity")
	}
}

// roundTrip packs the arena, reopens it through the full envelope + audit path, and compares
// the view against the model. With a shared mapping attached, it also publishes through the
// mapping and re-attaches from it.
func (r *harness) roundTrip() {
	img := segment.Pack(r.arena, r.origin)
	rd, info, err := segment.Unpack[int64, uint64](img)
	if err != nil {
		r.fail("roundtrip", "self-produced image rejected: "+err.Error())
	}
	if info.WriterID != r.origin.WriterID {
		r.fail("roundtrip", "writer identity drifted")
	}

	keys := r.sortedModelKeys()
	i := 0
	for it := rd.Begin(); !it.AtEnd(); it.Next() {
		if i >= len(keys) || it.Key() != keys[i] || it.Value() != r.model[keys[i]] {
			r.fail("roundtrip", "reader traversal diverged at position "+utils.Itoa(i))
		}
		i++
	}
	if i != len(keys) {
		r.fail("roundtrip", "reader traversal ended early at position "+utils.Itoa(i))
	}

	if r.shared != nil {
		if _, err := segment.PackTo(r.shared.Bytes(), r.arena, r.origin); err != nil {
			r.fail("publish", err.Error())
		}
		if err := r.shared.Sync(); err != nil {
			r.fail("publish", err.Error())
		}
		attached, _, err := segment.Unpack[int64, uint64](r.shared.Bytes())
		if err != nil {
			r.fail("attach", "published window rejected: "+err.Error())
		}
		for probe := 0; probe < 64; probe++ {
			key := r.rng.Int63n(r.cfg.KeySpace)
			got, ok := attached.Get(key)
			want, inModel := r.model[key]
			if ok != inModel || (ok && got != want) {
				r.fail("attach", "mapped view disagreement at key "+utils.Itoa(int(key)))
			}
		}
	}

	r.roundTrips++
}

// drain erases every remaining key and verifies the arena returns to its pristine-empty
// accounting.
func (r *harness) drain() {
	for _, k := range r.sortedModelKeys() {
		if n := r.arena.Erase(k); n != 1 {
			r.fail("drain", "live key "+utils.Itoa(int(k))+" refused erase")
		}
		delete(r.model, k)
	}
	if !r.arena.Empty() {
		r.fail("drain", "arena not empty after full drain")
	}
	r.fullCheck("drain")
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RUN HISTORY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// openRunDB opens (creating if needed) the SQLite run history.
func openRunDB(path string) *sql.DB {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		panic("Failed to open run database " + path + ": " + err.Error())
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at TEXT NOT NULL,
		scenario TEXT NOT NULL,
		capacity INTEGER NOT NULL,
		seed INTEGER NOT NULL,
		operations INTEGER NOT NULL,
		applied INTEGER NOT NULL,
		round_trips INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		writer_id TEXT NOT NULL
	)`); err != nil {
		panic("Failed to prepare runs table: " + err.Error())
	}
	return db
}

// recordRun appends one outcome row; history failures are reported but never mask the verdict.
func (r *harness) recordRun(outcome string) {
	if r.db == nil {
		return
	}
	_, err := r.db.Exec(
		`INSERT INTO runs (started_at, scenario, capacity, seed, operations, applied,
			round_trips, duration_ms, outcome, writer_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.started.UTC().Format(time.RFC3339), r.label, r.cfg.Capacity, r.cfg.Seed,
		r.cfg.Operations, r.step, r.roundTrips, time.Since(r.started).Milliseconds(),
		outcome, r.origin.WriterID.String())
	if err != nil {
		debug.DropError("DB_RECORD", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MAIN ORCHESTRATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func usage() {
	utils.PrintWarning("Usage: soak [-db runs.db] [-shm arena.img] [scenario.json]\n")
	os.Exit(2)
}

// main drives the complete soak lifecycle in distinct phases.
func main() {
	// PHASE 0: Scenario loading and state construction
	var scenarioPath, dbPath, shmPath string
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-db":
			i++
			if i == len(args) {
				usage()
			}
			dbPath = args[i]
		case "-shm":
			i++
			if i == len(args) {
				usage()
			}
			shmPath = args[i]
		case "-h", "-help":
			usage()
		default:
			if scenarioPath != "" {
				usage()
			}
			scenarioPath = args[i]
		}
	}

	sc := defaultScenario()
	label := "builtin"
	if scenarioPath != "" {
		sc = loadScenario(scenarioPath)
		label = scenarioPath
	}

	r := &harness{
		cfg:     sc,
		label:   label,
		rng:     rand.New(rand.NewSource(sc.Seed)),
		arena:   flatmap.New[int64, uint64](sc.Capacity),
		model:   make(map[int64]uint64, sc.Capacity),
		origin:  segment.NewOrigin(),
		started: time.Now(),
	}
	if dbPath != "" {
		r.db = openRunDB(dbPath)
	}
	if shmPath != "" {
		mp, err := segment.CreateShared(shmPath, segment.PackedSize[int64, uint64](sc.Capacity))
		if err != nil {
			panic("Failed to create shared mapping " + shmPath + ": " + err.Error())
		}
		r.shared = mp
	}

	debug.DropMessage("INIT", "scenario "+label+
		", capacity "+utils.Itoa(sc.Capacity)+
		", operations "+utils.Itoa(sc.Operations)+
		", seed "+utils.Itoa(int(sc.Seed)))
	debug.DropMessage("WRITER", r.origin.WriterID.String())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		debug.DropMessage("SIGNAL", "Received interrupt, recording aborted run")
		r.recordRun("aborted")
		os.Exit(130)
	}()

	// PHASE 1: Randomized differential workload with cadenced audits
	for r.step = 1; r.step <= sc.Operations; r.step++ {
		r.applyStep()
		if r.step%sc.CheckEvery == 0 {
			r.fullCheck("periodic")
			debug.DropCount("PROGRESS", r.step)
		}
		if r.step%sc.RoundTripEvery == 0 {
			r.roundTrip()
		}
	}

	// PHASE 2: Drain-down and final conservation audit
	r.step = sc.Operations
	r.fullCheck("final")
	r.roundTrip()
	r.drain()

	// PHASE 3: Verdict, run history record, teardown
	debug.DropMessage("PASS",
		utils.Itoa(r.inserts)+" inserts, "+
			utils.Itoa(r.erases)+" erases, "+
			utils.Itoa(r.lookups)+" lookups, "+
			utils.Itoa(r.roundTrips)+" round-trips in "+
			utils.Itoa(int(time.Since(r.started).Milliseconds()))+"ms")
	r.recordRun("pass")
	r.teardown()
}
