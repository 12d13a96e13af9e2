// Package wasm hosts rule fixers compiled to WebAssembly. A module in the
// fixer directory is keyed by the rule id it fixes; the host feeds it the
// candidate document as JSON and takes the patched JSON back. Modules that
// fault repeatedly are quarantined through the persistence layer so a bad
// plugin degrades its rule to report-only instead of failing builds.
package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forgeworks/specforge/internal/audit"
	"github.com/forgeworks/specforge/internal/persistence"
	"github.com/forgeworks/specforge/internal/specdoc"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Deterministic fault reason codes for fixer invocations. These are the
// fault_kind values recorded in fixer_faults.
const (
	FaultModuleNotFound  = "WASM_MODULE_NOT_FOUND"
	FaultTimeout         = "WASM_TIMEOUT"
	FaultMemoryExceeded  = "WASM_MEMORY_EXCEEDED"
	FaultMemoryExhausted = "WASM_HOST_MEMORY_EXHAUSTED"
	FaultNoExport        = "WASM_NO_EXPORT"
	FaultBadResult       = "WASM_BAD_RESULT"
	FaultExecError       = "WASM_FAULT"
	FaultQuarantined     = "WASM_QUARANTINED"
)

// Fault is a structured error from loading or invoking a fixer module.
type Fault struct {
	Reason string // one of the Fault* constants
	RuleID string
	Detail string
}

func (e *Fault) Error() string {
	return fmt.Sprintf("%s: fixer=%s: %s", e.Reason, e.RuleID, e.Detail)
}

// DefaultMemoryLimitPages caps a single module at 160 pages = 10MB (one
// WASM page is 64KB).
const DefaultMemoryLimitPages uint32 = 160

// DefaultAggregateMemoryLimitPages caps total memory across all loaded
// modules at 640 pages = 40MB.
const DefaultAggregateMemoryLimitPages uint32 = 640

// DefaultInvokeTimeout is the wall-clock limit for a single fix call.
const DefaultInvokeTimeout = 10 * time.Second

type Config struct {
	// Store records fixer registrations and faults. Nil disables the
	// quarantine lifecycle.
	Store *persistence.Store

	// MemoryLimitPages caps memory per module (1 page = 64KB). 0 uses
	// DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	// AggregateMemoryLimitPages caps total memory across all loaded
	// modules. 0 uses DefaultAggregateMemoryLimitPages.
	AggregateMemoryLimitPages uint32
	// InvokeTimeout caps wall-clock time per fix call. 0 uses
	// DefaultInvokeTimeout.
	InvokeTimeout time.Duration
	// QuarantineThreshold is the fault count that quarantines a fixer.
	// 0 uses persistence.DefaultQuarantineThreshold.
	QuarantineThreshold int
}

// Host owns the wazero runtime and the set of loaded fixer modules,
// keyed by rule id.
type Host struct {
	store *persistence.Store

	runtime       wazero.Runtime
	invokeTimeout time.Duration
	threshold     int

	hostFunctions map[string]struct{}

	modulesMu            sync.Mutex
	modules              map[string]api.Module
	moduleMemoryPages    map[string]uint32
	aggregateMemoryLimit uint32
}

func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		store:                cfg.Store,
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		threshold:            cfg.QuarantineThreshold,
		hostFunctions:        map[string]struct{}{},
		modules:              map[string]api.Module{},
		moduleMemoryPages:    map[string]uint32{},
		aggregateMemoryLimit: aggLimit,
	}

	// Fixers are pure document transforms. The only import surface the
	// host offers a guest is diagnostic logging.
	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")
	h.hostFunctions["host.log"] = struct{}{}

	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *Host) HasHostFunction(name string) bool {
	_, ok := h.hostFunctions[name]
	return ok
}

func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

func (h *Host) HasModule(ruleID string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.modules[ruleID]
	return ok
}

// Modules returns the rule ids of all loaded fixer modules, sorted.
func (h *Host) Modules() []string {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	ids := make([]string, 0, len(h.modules))
	for ruleID := range h.modules {
		ids = append(ids, ruleID)
	}
	sort.Strings(ids)
	return ids
}

// MemoryStats returns aggregate memory pages, per-module breakdown, and
// the configured limit.
func (h *Host) MemoryStats() (aggregatePages uint32, perModule map[string]uint32, limit uint32) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	perModule = make(map[string]uint32, len(h.moduleMemoryPages))
	for ruleID, pages := range h.moduleMemoryPages {
		aggregatePages += pages
		perModule[ruleID] = pages
	}
	limit = h.aggregateMemoryLimit
	return
}

// LoadDir loads every .wasm module in dir, keyed by file basename as the
// rule id. A missing directory is not an error: fixer plugins are
// optional. Broken modules are skipped with a warning so one bad plugin
// cannot block startup; the catalog load will then reject any
// auto_fixable rule that depended on it. Returns the rule ids loaded, in
// directory order.
func (h *Host) LoadDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fixer dir: %w", err)
	}

	var loaded []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wasm") {
			continue
		}
		ruleID := strings.TrimSuffix(entry.Name(), ".wasm")
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("fixer module unreadable, skipped", "rule_id", ruleID, "error", err)
			continue
		}
		if err := h.LoadModuleFromBytes(ctx, ruleID, raw, path); err != nil {
			slog.Warn("fixer module rejected, skipped", "rule_id", ruleID, "error", err)
			continue
		}
		h.persistFixer(ctx, ruleID, raw)
		loaded = append(loaded, ruleID)
	}
	return loaded, nil
}

// persistFixer upserts the fixer_registry row for a loaded module. A
// changed content hash resets the fault count and lifts quarantine, so
// republishing a repaired module brings it back without operator action.
func (h *Host) persistFixer(ctx context.Context, ruleID string, raw []byte) {
	if h.store == nil {
		return
	}
	sum := sha256.Sum256(raw)
	if err := h.store.UpsertFixer(ctx, ruleID, hex.EncodeToString(sum[:])); err != nil {
		slog.Warn("fixer registration not persisted", "rule_id", ruleID, "error", err)
	}
}

// LoadModuleFromBytes compiles and activates one fixer module. A module
// already loaded under the same rule id is replaced only once the new
// bytes compile and declare the required exports, so a bad republish
// keeps the previous version active.
func (h *Host) LoadModuleFromBytes(ctx context.Context, ruleID string, wasmBytes []byte, source string) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile fixer module %s: %w", ruleID, err)
	}

	exports := compiled.ExportedFunctions()
	for _, name := range []string{"alloc", "fix"} {
		if _, ok := exports[name]; !ok {
			_ = compiled.Close(ctx)
			return &Fault{Reason: FaultNoExport, RuleID: ruleID, Detail: fmt.Sprintf("module does not export %q", name)}
		}
	}

	// Estimate memory from the compiled module's memory sections. Min()
	// is the initial page count the module declares.
	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.modulesMu.Lock()
	// Current aggregate, excluding the module being replaced.
	var currentAggregate uint32
	for name, pages := range h.moduleMemoryPages {
		if name != ruleID {
			currentAggregate += pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		return &Fault{
			Reason: FaultMemoryExhausted,
			RuleID: ruleID,
			Detail: fmt.Sprintf("aggregate=%d pages, new=%d pages, limit=%d pages",
				currentAggregate, estimatedPages, h.aggregateMemoryLimit),
		}
	}
	// wazero tracks instances by name, so the old module must close
	// before its replacement instantiates.
	if old, ok := h.modules[ruleID]; ok {
		_ = old.Close(ctx)
		delete(h.modules, ruleID)
		delete(h.moduleMemoryPages, ruleID)
	}
	h.modulesMu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(ruleID))
	if err != nil {
		return fmt.Errorf("instantiate fixer module %s: %w", ruleID, err)
	}

	// Grow(0) reports the instantiated page count without changing it.
	actualPages := estimatedPages
	if mem := module.Memory(); mem != nil {
		if pages, ok := mem.Grow(0); ok && pages > 0 {
			actualPages = pages
		}
	}

	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	h.modules[ruleID] = module
	h.moduleMemoryPages[ruleID] = actualPages

	var aggregate uint32
	for _, pages := range h.moduleMemoryPages {
		aggregate += pages
	}
	slog.Info("fixer module loaded", "rule_id", ruleID, "path", source,
		"memory_pages", actualPages, "aggregate_pages", aggregate, "limit_pages", h.aggregateMemoryLimit)
	return nil
}

// InvokeFix runs the fixer module for ruleID against doc and returns the
// patched document. The wire protocol: the host calls alloc(len) on the
// guest, writes the candidate document JSON at the returned offset, then
// calls fix(ptr, len); the guest returns ptr<<32|len addressing the
// patched JSON in its own memory. The input document is never mutated.
func (h *Host) InvokeFix(ctx context.Context, ruleID string, doc *specdoc.Document) (*specdoc.Document, error) {
	if h.store != nil {
		if quarantined, err := h.store.IsFixerQuarantined(ctx, ruleID); err == nil && quarantined {
			slog.Warn("fixer quarantined, invocation denied", "rule_id", ruleID)
			return nil, &Fault{Reason: FaultQuarantined, RuleID: ruleID, Detail: "fixer quarantined after repeated faults"}
		}
	}

	h.modulesMu.Lock()
	module, ok := h.modules[ruleID]
	h.modulesMu.Unlock()
	if !ok {
		return nil, &Fault{Reason: FaultModuleNotFound, RuleID: ruleID, Detail: "module not loaded"}
	}

	input, err := doc.Canonical()
	if err != nil {
		return nil, fmt.Errorf("encode document for fixer %s: %w", ruleID, err)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	allocFn := module.ExportedFunction("alloc")
	fixFn := module.ExportedFunction("fix")
	if allocFn == nil || fixFn == nil {
		return nil, h.fault(ctx, &Fault{Reason: FaultNoExport, RuleID: ruleID, Detail: "module must export alloc and fix"})
	}
	mem := module.Memory()
	if mem == nil {
		return nil, h.fault(ctx, &Fault{Reason: FaultNoExport, RuleID: ruleID, Detail: "module exports no memory"})
	}

	results, err := allocFn.Call(invokeCtx, uint64(len(input)))
	if err != nil {
		return nil, h.fault(ctx, classify(ruleID, err))
	}
	if len(results) == 0 {
		return nil, h.fault(ctx, &Fault{Reason: FaultBadResult, RuleID: ruleID, Detail: "alloc returned no pointer"})
	}
	inPtr := uint32(results[0])
	if !mem.Write(inPtr, input) {
		return nil, h.fault(ctx, &Fault{Reason: FaultBadResult, RuleID: ruleID, Detail: fmt.Sprintf("alloc returned unwritable region ptr=%d len=%d", inPtr, len(input))})
	}

	results, err = fixFn.Call(invokeCtx, uint64(inPtr), uint64(len(input)))
	if err != nil {
		return nil, h.fault(ctx, classify(ruleID, err))
	}
	if len(results) == 0 {
		return nil, h.fault(ctx, &Fault{Reason: FaultBadResult, RuleID: ruleID, Detail: "fix returned no result"})
	}
	outPtr := uint32(results[0] >> 32)
	outLen := uint32(results[0])
	if outLen == 0 {
		return nil, h.fault(ctx, &Fault{Reason: FaultBadResult, RuleID: ruleID, Detail: "fix returned an empty document"})
	}
	raw, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, h.fault(ctx, &Fault{Reason: FaultBadResult, RuleID: ruleID, Detail: fmt.Sprintf("fix returned unreadable region ptr=%d len=%d", outPtr, outLen)})
	}
	patched, err := specdoc.Parse(raw)
	if err != nil {
		return nil, h.fault(ctx, &Fault{Reason: FaultBadResult, RuleID: ruleID, Detail: fmt.Sprintf("patched document rejected: %v", err)})
	}
	slog.Debug("fixer applied", "rule_id", ruleID, "in_bytes", len(input), "out_bytes", outLen)
	return patched, nil
}

// fault logs and records one invocation fault, then returns it. Faults
// are not recorded when the caller's context is already done: a canceled
// build is not evidence against the module.
func (h *Host) fault(ctx context.Context, f *Fault) error {
	slog.Warn("fixer invocation fault", "rule_id", f.RuleID, "reason", f.Reason, "detail", f.Detail)
	if ctx.Err() == nil {
		h.recordFault(ctx, f)
	}
	return f
}

// recordFault increments the persisted fault counter and audits the
// quarantine transition when the threshold is crossed.
func (h *Host) recordFault(ctx context.Context, f *Fault) {
	if h.store == nil {
		return
	}
	quarantined, err := h.store.IncrementFixerFault(ctx, f.RuleID, "", f.Reason, f.Detail, h.threshold)
	if err != nil {
		slog.Error("fixer fault not recorded", "rule_id", f.RuleID, "error", err)
		return
	}
	if quarantined {
		slog.Warn("fixer auto-quarantined after repeated faults", "rule_id", f.RuleID)
		audit.Record("quarantine", "fixer:"+f.RuleID, "fault_threshold_exceeded", "", "")
	}
}

// classify maps a WASM execution error to a deterministic Fault.
func classify(ruleID string, err error) *Fault {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Reason: FaultTimeout, RuleID: ruleID, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, RuleID: ruleID, Detail: "canceled"}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultTimeout, RuleID: ruleID, Detail: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") {
		return &Fault{Reason: FaultMemoryExceeded, RuleID: ruleID, Detail: msg}
	}
	return &Fault{Reason: FaultExecError, RuleID: ruleID, Detail: msg}
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := readGuestString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readGuestString(module, msgPtr, msgLen)
	if !ok {
		slog.Warn("host.log: unreadable message from guest", "module", module.Name())
		return
	}

	switch strings.ToLower(level) {
	case "error":
		slog.Error("fixer guest log", "module", module.Name(), "msg", msg)
	case "warn":
		slog.Warn("fixer guest log", "module", module.Name(), "msg", msg)
	case "debug":
		slog.Debug("fixer guest log", "module", module.Name(), "msg", msg)
	default:
		slog.Info("fixer guest log", "module", module.Name(), "msg", msg)
	}
}

// readGuestString reads a string from guest linear memory.
func readGuestString(module api.Module, ptr, length uint32) (string, bool) {
	mem := module.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func ruleIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
