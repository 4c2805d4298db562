// offheapviz is a simple CLI for interacting with offheapmap files.
//
// Usage:
//
//	offheapviz <map-file>              Open an existing map file
//	offheapviz new [opts] <map-file>   Create a new map file
//
// Options for 'new' command:
//
//	-s, --segments             Segment count, power of two (default: prompts)
//	    --entries-per-segment  Entries per segment, multiple of 8 (default: prompts)
//	    --entry-size           Bytes per block (default: prompts)
//	    --max-oversize         Max blocks a single entry may span (default: 1)
//	    --alignment            Value alignment in bytes, power of two (default: 8)
//	    --narrow               Use a 16-bit fingerprint index instead of 32-bit
//	-v, --version              User version for schema compatibility (default: 1)
//	-c, --config               HuJSON config file providing any of the above
//
// Commands (in REPL):
//
//	put <key> <value>              Insert or overwrite a binding
//	putif <key> <value>            Insert only if the key is absent
//	get <key>                      Retrieve a value by key
//	acquire <key>                  Get-or-create using the default value
//	replace <key> <value>          Overwrite an existing binding
//	del <key>                      Remove a binding
//	delif <key> <expected>         Remove only if the current value matches
//	has <key>                      Report whether a key is bound
//	scan [limit]                   List live entries
//	len                            Count live entries
//	info                           Show map layout and stats
//	check                           Run CheckConsistency
//	clear                          Remove every entry
//	bulk <count> [prefix]          Insert N random entries
//	bench <count>                  Benchmark put+get performance
//	help                           Show this help
//	exit / quit / q                Exit
package main

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/calvinalkan/offheapmap/pkg/offheapmap"
	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

// Header offsets for peeking at an existing map file without constructing
// a Config first (matches the OHM1 layout in pkg/offheapmap/format.go).
const (
	ohmHeaderPeekSize      = 0x48
	ohmOffMagic            = 0x00
	ohmOffSegments         = 0x0C
	ohmOffEntriesPerSegmnt = 0x10
	ohmOffEntrySize        = 0x14
	ohmOffMaxOversize      = 0x18
	ohmOffAlignment        = 0x1C
	ohmOffMetaDataBytes    = 0x20
	ohmOffFlags            = 0x28
	ohmOffUserVersion      = 0x30
	ohmFlagNarrowIndex     = uint32(1) << 0
)

// mapConfig holds configuration either read from an existing file's header
// or staged for a new file.
type mapConfig struct {
	Segments          int    `json:"segments,omitempty"`
	EntriesPerSegment int    `json:"entries_per_segment,omitempty"`
	EntrySize         int    `json:"entry_size,omitempty"`
	MaxOversize       int    `json:"max_oversize,omitempty"`
	Alignment         int    `json:"alignment,omitempty"`
	NarrowIndex       bool   `json:"narrow_index,omitempty"`
	UserVersion       uint64 `json:"user_version,omitempty"`
}

// readMapConfig reads configuration from an existing map file's header,
// the same trick sloty uses for SLC1 files: read the fixed-offset fields
// directly rather than asking the caller to respecify them on reopen.
func readMapConfig(path string) (mapConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return mapConfig{}, err
	}
	defer f.Close()

	header := make([]byte, ohmHeaderPeekSize)

	n, err := f.Read(header)
	if err != nil {
		return mapConfig{}, fmt.Errorf("reading header: %w", err)
	}

	if n < ohmHeaderPeekSize {
		return mapConfig{}, fmt.Errorf("file too small: %d bytes", n)
	}

	if !bytes.Equal(header[ohmOffMagic:ohmOffMagic+4], []byte("OHM1")) {
		return mapConfig{}, fmt.Errorf("invalid magic: not an offheapmap file")
	}

	flags := binary.LittleEndian.Uint32(header[ohmOffFlags:])

	return mapConfig{
		Segments:          int(binary.LittleEndian.Uint32(header[ohmOffSegments:])),
		EntriesPerSegment: int(binary.LittleEndian.Uint32(header[ohmOffEntriesPerSegmnt:])),
		EntrySize:         int(binary.LittleEndian.Uint32(header[ohmOffEntrySize:])),
		MaxOversize:       int(binary.LittleEndian.Uint32(header[ohmOffMaxOversize:])),
		Alignment:         int(binary.LittleEndian.Uint32(header[ohmOffAlignment:])),
		NarrowIndex:       flags&ohmFlagNarrowIndex != 0,
		UserVersion:       binary.LittleEndian.Uint64(header[ohmOffUserVersion:]),
	}, nil
}

// loadConfigFile reads a HuJSON (JSON-with-comments-and-trailing-commas)
// config file and decodes it into a mapConfig. Values left unset keep
// their zero value and fall back to prompting or flag defaults.
func loadConfigFile(path string) (mapConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return mapConfig{}, fmt.Errorf("reading config: %w", err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return mapConfig{}, fmt.Errorf("invalid HuJSON: %w", err)
	}

	var cfg mapConfig
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return mapConfig{}, fmt.Errorf("decoding config: %w", err)
	}

	return cfg, nil
}

// saveConfigFile atomically writes cfg next to the map file so a later
// `offheapviz new --config` run can recreate the same layout. The write is
// atomic so a crash mid-write never leaves a half-written config behind.
func saveConfigFile(path string, cfg mapConfig) error {
	body, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return atomic.WriteFile(path, bytes.NewReader(body))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return errors.New("missing command or map file path")
	}

	if os.Args[1] == "new" {
		return runNew(os.Args[2:])
	}

	return runOpen(os.Args[1:])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  offheapviz <map-file>              Open an existing map file")
	fmt.Fprintln(os.Stderr, "  offheapviz new [opts] <map-file>   Create a new map file")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Run 'offheapviz new --help' for options when creating a new map.")
}

func runNew(args []string) error {
	fs := flag.NewFlagSet("new", flag.ExitOnError)

	segments := fs.IntP("segments", "s", 0, "segment count, power of two")
	entriesPerSegment := fs.Int("entries-per-segment", 0, "entries per segment, multiple of 8")
	entrySize := fs.Int("entry-size", 0, "bytes per block")
	maxOversize := fs.Int("max-oversize", 1, "max blocks a single entry may span")
	alignment := fs.Int("alignment", 8, "value alignment in bytes, power of two")
	narrow := fs.Bool("narrow", false, "use a 16-bit fingerprint index instead of 32-bit")
	userVersion := fs.Uint64P("version", "v", 1, "user version")
	configPath := fs.StringP("config", "c", "", "HuJSON config file providing any of the above")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: offheapviz new [options] <map-file>")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Create a new offheapmap file. If options are not provided, you will be prompted.")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing map file path")
	}

	mapPath := fs.Arg(0)

	if _, err := os.Stat(mapPath); err == nil {
		return fmt.Errorf("map file already exists: %s (use 'offheapviz %s' to open it)", mapPath, mapPath)
	}

	fileCfg := mapConfig{
		Segments:          *segments,
		EntriesPerSegment: *entriesPerSegment,
		EntrySize:         *entrySize,
		MaxOversize:       *maxOversize,
		Alignment:         *alignment,
		NarrowIndex:       *narrow,
		UserVersion:       *userVersion,
	}

	if *configPath != "" {
		loaded, err := loadConfigFile(*configPath)
		if err != nil {
			return err
		}

		fileCfg = mergeConfig(fileCfg, loaded)
	}

	reader := bufio.NewReader(os.Stdin)

	if fileCfg.Segments == 0 {
		fileCfg.Segments = nextPowerOfTwo(promptInt(reader, "Segment count", 4))
	}

	if fileCfg.EntriesPerSegment == 0 {
		fileCfg.EntriesPerSegment = promptInt(reader, "Entries per segment", 1024)
	}

	if fileCfg.EntrySize == 0 {
		fileCfg.EntrySize = promptInt(reader, "Entry size in bytes", 64)
	}

	opts := []offheapmap.Option[string, []byte]{
		offheapmap.WithKeyCodec[string, []byte](offheapmap.NewStringCodec()),
		offheapmap.WithValueCodec[string, []byte](offheapmap.NewBytesCodec()),
		offheapmap.WithSegments[string, []byte](fileCfg.Segments),
		offheapmap.WithEntriesPerSegment[string, []byte](fileCfg.EntriesPerSegment),
		offheapmap.WithEntrySize[string, []byte](fileCfg.EntrySize),
		offheapmap.WithMaxOversize[string, []byte](fileCfg.MaxOversize),
		offheapmap.WithAlignment[string, []byte](fileCfg.Alignment),
		offheapmap.WithUserVersion[string, []byte](fileCfg.UserVersion),
	}

	if fileCfg.NarrowIndex {
		opts = append(opts, offheapmap.WithNarrowIndex[string, []byte]())
	}

	fmt.Println()
	fmt.Println("Creating map with:")
	fmt.Printf("  Path:                %s\n", mapPath)
	fmt.Printf("  Segments:            %d\n", fileCfg.Segments)
	fmt.Printf("  Entries per segment: %d\n", fileCfg.EntriesPerSegment)
	fmt.Printf("  Entry size:          %d bytes\n", fileCfg.EntrySize)
	fmt.Printf("  Max oversize:        %d blocks\n", fileCfg.MaxOversize)
	fmt.Printf("  Alignment:           %d bytes\n", fileCfg.Alignment)
	fmt.Printf("  Narrow index:        %v\n", fileCfg.NarrowIndex)
	fmt.Printf("  User version:        %d\n", fileCfg.UserVersion)
	fmt.Println()

	engine, err := offheapmap.Open[string, []byte](mapPath, opts...)
	if err != nil {
		return fmt.Errorf("creating map: %w", err)
	}
	defer engine.Close()

	if err := saveConfigFile(mapPath+".config.json", fileCfg); err != nil {
		fmt.Printf("Warning: could not save sidecar config: %v\n", err)
	}

	repl := &REPL{engine: engine, cfg: fileCfg}

	return repl.Run()
}

func runOpen(args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: offheapviz <map-file>")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Open an existing offheapmap file.")
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing map file path")
	}

	mapPath := fs.Arg(0)

	if _, err := os.Stat(mapPath); os.IsNotExist(err) {
		return fmt.Errorf("map file does not exist: %s (use 'offheapviz new %s' to create it)", mapPath, mapPath)
	}

	cfg, err := readMapConfig(mapPath)
	if err != nil {
		return fmt.Errorf("reading map config: %w", err)
	}

	opts := []offheapmap.Option[string, []byte]{
		offheapmap.WithKeyCodec[string, []byte](offheapmap.NewStringCodec()),
		offheapmap.WithValueCodec[string, []byte](offheapmap.NewBytesCodec()),
		offheapmap.WithSegments[string, []byte](cfg.Segments),
		offheapmap.WithEntriesPerSegment[string, []byte](cfg.EntriesPerSegment),
		offheapmap.WithEntrySize[string, []byte](cfg.EntrySize),
		offheapmap.WithMaxOversize[string, []byte](cfg.MaxOversize),
		offheapmap.WithAlignment[string, []byte](cfg.Alignment),
		offheapmap.WithUserVersion[string, []byte](cfg.UserVersion),
	}

	if cfg.NarrowIndex {
		opts = append(opts, offheapmap.WithNarrowIndex[string, []byte]())
	}

	engine, err := offheapmap.Open[string, []byte](mapPath, opts...)
	if err != nil {
		return fmt.Errorf("opening map: %w", err)
	}
	defer engine.Close()

	repl := &REPL{engine: engine, cfg: cfg}

	return repl.Run()
}

// mergeConfig returns base with every non-zero field of override copied
// over it.
func mergeConfig(base, override mapConfig) mapConfig {
	if override.Segments != 0 {
		base.Segments = override.Segments
	}

	if override.EntriesPerSegment != 0 {
		base.EntriesPerSegment = override.EntriesPerSegment
	}

	if override.EntrySize != 0 {
		base.EntrySize = override.EntrySize
	}

	if override.MaxOversize != 0 {
		base.MaxOversize = override.MaxOversize
	}

	if override.Alignment != 0 {
		base.Alignment = override.Alignment
	}

	if override.NarrowIndex {
		base.NarrowIndex = true
	}

	if override.UserVersion != 0 {
		base.UserVersion = override.UserVersion
	}

	return base
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}

	return 1 << bits.Len(uint(n-1))
}

// promptInt prompts the user for an integer value with a default.
func promptInt(reader *bufio.Reader, prompt string, defaultVal int) int {
	for {
		fmt.Printf("%s [%d]: ", prompt, defaultVal)

		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		if input == "" {
			return defaultVal
		}

		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Println("Please enter a valid integer.")
			continue
		}

		return val
	}
}

// REPL is the interactive command loop.
type REPL struct {
	engine *offheapmap.MapEngine[string, []byte]
	cfg    mapConfig
	liner  *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".offheapviz_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("offheapviz - offheapmap CLI (segments=%d, entries_per_segment=%d, entry_size=%d)\n",
		r.cfg.Segments, r.cfg.EntriesPerSegment, r.cfg.EntrySize)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("offheapviz> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "put":
			r.cmdPut(args)

		case "putif":
			r.cmdPutIf(args)

		case "get":
			r.cmdGet(args)

		case "acquire":
			r.cmdAcquire(args)

		case "replace":
			r.cmdReplace(args)

		case "del", "delete":
			r.cmdDelete(args)

		case "delif":
			r.cmdDeleteIf(args)

		case "has":
			r.cmdHas(args)

		case "scan", "ls", "list":
			r.cmdScan(args)

		case "len", "count":
			r.cmdLen()

		case "info":
			r.cmdInfo()

		case "check":
			r.cmdCheck()

		case "clear", "cls":
			r.cmdClear()

		case "bulk":
			r.cmdBulk(args)

		case "bench":
			r.cmdBench(args)

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

// saveHistory persists command history to disk, atomically so a crash
// mid-write never corrupts a history file a later run tries to load.
func (r *REPL) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	var buf bytes.Buffer
	if _, err := r.liner.WriteHistory(&buf); err != nil {
		return
	}

	_ = atomic.WriteFile(path, &buf)
}

// completer provides tab completion for commands.
func (r *REPL) completer(line string) []string {
	commands := []string{
		"put", "putif", "get", "acquire", "replace",
		"del", "delete", "delif", "has",
		"scan", "ls", "list", "len", "count",
		"info", "check", "clear", "cls",
		"bulk", "bench",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>        Insert or overwrite a binding")
	fmt.Println("  putif <key> <value>      Insert only if the key is absent")
	fmt.Println("  get <key>                Retrieve a value by key")
	fmt.Println("  acquire <key>            Get-or-create using the default value")
	fmt.Println("  replace <key> <value>    Overwrite an existing binding")
	fmt.Println("  del <key>                Remove a binding")
	fmt.Println("  delif <key> <expected>   Remove only if the current value matches")
	fmt.Println("  has <key>                Report whether a key is bound")
	fmt.Println("  scan [limit]             List live entries")
	fmt.Println("  len                      Count live entries")
	fmt.Println("  info                     Show map layout and stats")
	fmt.Println("  check                    Run CheckConsistency")
	fmt.Println("  clear                    Remove every entry")
	fmt.Println("  bulk <count> [prefix]    Insert N random entries")
	fmt.Println("  bench <count>            Benchmark put+get performance")
	fmt.Println("  help                     Show this help")
	fmt.Println("  exit / quit / q          Exit")
	fmt.Println()
	fmt.Println("Values: hex (e.g., 'deadbeef') or plain text (e.g., 'foo').")
}

// parseValue parses a value from user input, trying hex first and falling
// back to plain text, mirroring sloty's key parsing convention.
func parseValue(s string) []byte {
	if raw, err := hex.DecodeString(s); err == nil && len(s)%2 == 0 {
		return raw
	}

	return []byte(s)
}

// formatValue formats a value for display, as text if printable or hex
// otherwise.
func formatValue(value []byte) string {
	printable := true

	for _, b := range value {
		if b < 32 || b > 126 {
			printable = false
			break
		}
	}

	if printable {
		return fmt.Sprintf("%q", string(value))
	}

	return hex.EncodeToString(value)
}

func (r *REPL) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: put <key> <value>")
		return
	}

	_, hadPrev, err := r.engine.Put(args[0], parseValue(args[1]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if hadPrev {
		fmt.Println("OK (overwrote existing value)")
	} else {
		fmt.Println("OK (inserted)")
	}
}

func (r *REPL) cmdPutIf(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: putif <key> <value>")
		return
	}

	_, hadPrev, err := r.engine.PutIfAbsent(args[0], parseValue(args[1]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if hadPrev {
		fmt.Println("No-op (key already bound)")
	} else {
		fmt.Println("OK (inserted)")
	}
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")
		return
	}

	value, ok, err := r.engine.Get(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if !ok {
		fmt.Println("(not found)")
		return
	}

	fmt.Println(formatValue(value))
}

func (r *REPL) cmdAcquire(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: acquire <key>")
		return
	}

	value, err := r.engine.AcquireUsing(args[0], nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println(formatValue(value))
}

func (r *REPL) cmdReplace(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: replace <key> <value>")
		return
	}

	_, existed, err := r.engine.Replace(args[0], parseValue(args[1]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if !existed {
		fmt.Println("No-op (key not bound)")
		return
	}

	fmt.Println("OK (replaced)")
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: del <key>")
		return
	}

	_, existed, err := r.engine.Remove(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if !existed {
		fmt.Println("(not found)")
		return
	}

	fmt.Println("OK (removed)")
}

func (r *REPL) cmdDeleteIf(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: delif <key> <expected>")
		return
	}

	removed, err := r.engine.RemoveIf(args[0], parseValue(args[1]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if removed {
		fmt.Println("OK (removed)")
	} else {
		fmt.Println("No-op (key absent or value mismatch)")
	}
}

func (r *REPL) cmdHas(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: has <key>")
		return
	}

	ok, err := r.engine.ContainsKey(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println(ok)
}

func (r *REPL) cmdScan(args []string) {
	limit := -1

	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Printf("Error parsing limit: %v\n", err)
			return
		}

		limit = n
	}

	it := r.engine.Iterator()
	count := 0

	for {
		if limit >= 0 && count >= limit {
			fmt.Println("...")
			break
		}

		entry, ok := it.Next()
		if !ok {
			break
		}

		fmt.Printf("%-30q %s\n", entry.Key, formatValue(entry.Value))
		count++
	}

	fmt.Printf("(%d entries shown)\n", count)
}

func (r *REPL) cmdLen() {
	fmt.Printf("%d\n", r.engine.Size())
}

func (r *REPL) cmdInfo() {
	stats := r.engine.Stats()

	fmt.Println("Map Info:")
	fmt.Printf("  Segments:            %d\n", stats.Segments)
	fmt.Printf("  Entries per segment: %d\n", stats.EntriesPerSegment)
	fmt.Printf("  Entry size:          %d bytes\n", stats.EntrySize)
	fmt.Printf("  Max oversize:        %d blocks\n", stats.MaxOversize)
	fmt.Printf("  Alignment:           %d bytes\n", stats.Alignment)
	fmt.Printf("  Narrow index:        %v\n", stats.NarrowIndex)
	fmt.Printf("  Live entries:        %d\n", stats.LongSize)
}

func (r *REPL) cmdCheck() {
	if err := r.engine.CheckConsistency(); err != nil {
		fmt.Printf("Inconsistent: %v\n", err)
		return
	}

	fmt.Println("OK (consistent)")
}

func (r *REPL) cmdClear() {
	if err := r.engine.Clear(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("OK (cleared)")
}

func (r *REPL) cmdBulk(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: bulk <count> [prefix]")
		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		fmt.Println("Error: count must be a positive integer")
		return
	}

	prefix := ""
	if len(args) >= 2 {
		prefix = args[1]
	}

	inserted := 0

	for i := 0; i < count; i++ {
		key := fmt.Sprintf("%s%s", prefix, randomHex(8))
		value := make([]byte, 16)

		if _, err := io.ReadFull(rand.Reader, value); err != nil {
			fmt.Printf("Error generating value: %v\n", err)
			return
		}

		if _, _, err := r.engine.Put(key, value); err != nil {
			fmt.Printf("Error at entry %d: %v\n", i, err)
			return
		}

		inserted++
	}

	fmt.Printf("OK (%d entries inserted)\n", inserted)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = io.ReadFull(rand.Reader, buf)

	return hex.EncodeToString(buf)
}

func (r *REPL) cmdBench(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: bench <count>")
		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		fmt.Println("Error: count must be a positive integer")
		return
	}

	keys := make([]string, count)
	values := make([][]byte, count)

	for i := range keys {
		keys[i] = fmt.Sprintf("bench-%d", i)
		values[i] = make([]byte, 16)
		binary.LittleEndian.PutUint64(values[i], uint64(i))
	}

	start := time.Now()

	for i := range keys {
		if _, _, err := r.engine.Put(keys[i], values[i]); err != nil {
			fmt.Printf("Error during put at %d: %v\n", i, err)
			return
		}
	}

	putElapsed := time.Since(start)

	start = time.Now()

	for i := range keys {
		if _, _, err := r.engine.Get(keys[i]); err != nil {
			fmt.Printf("Error during get at %d: %v\n", i, err)
			return
		}
	}

	getElapsed := time.Since(start)

	fmt.Printf("put: %d ops in %v (%.0f ops/s)\n", count, putElapsed, float64(count)/putElapsed.Seconds())
	fmt.Printf("get: %d ops in %v (%.0f ops/s)\n", count, getElapsed, float64(count)/getElapsed.Seconds())
}
