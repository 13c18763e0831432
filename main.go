package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/banshee-data/landcover.report/internal/ccd"
	"github.com/banshee-data/landcover.report/internal/config"
	"github.com/banshee-data/landcover.report/internal/db"
	"github.com/banshee-data/landcover.report/internal/evaluate"
	"github.com/banshee-data/landcover.report/internal/storage/sqlite"
	"github.com/banshee-data/landcover.report/internal/storage/tilestore"
	"github.com/banshee-data/landcover.report/internal/tile"
	"github.com/banshee-data/landcover.report/internal/version"
	"github.com/banshee-data/landcover.report/internal/window"
)

const defaultDBFile = "landcover.db"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "detect":
		runDetect(os.Args[2:])
	case "window":
		runWindow(os.Args[2:])
	case "evaluate":
		runEvaluate(os.Args[2:])
	case "migrate":
		dbPath := defaultDBFile
		if v := os.Getenv("LANDCOVER_DB"); v != "" {
			dbPath = v
		}
		db.RunMigrateCommand(os.Args[2:], dbPath)
	case "version", "-version", "--version":
		fmt.Printf("landcover-report %s (%s, built %s)\n",
			version.Version, version.GitSHA, version.BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: landcover-report <command> [flags]

Commands:
  detect     Run change detection over a tile's observation table
  window     Extract fixed-width observation windows around reference dates
  evaluate   Score detected breaks against reference change records
  migrate    Manage the sqlite schema
  version    Print build information
  help       Show this help

Run 'landcover-report <command> -h' for command flags.`)
}

// newLogger builds the process logger. Development mode uses the
// human-readable console encoder.
func newLogger(debug bool) *zap.SugaredLogger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return logger.Sugar()
}

// loadTuning loads the tuning config from an explicit path, or the
// canonical defaults file when present, or built-in defaults.
func loadTuning(path string, log *zap.SugaredLogger) *config.TuningConfig {
	if path != "" {
		cfg, err := config.LoadTuningConfig(path)
		if err != nil {
			log.Fatalw("failed to load tuning config", "path", path, "error", err)
		}
		return cfg
	}
	if cfg, err := config.LoadTuningConfig(config.DefaultConfigPath); err == nil {
		return cfg
	}
	return config.EmptyTuningConfig()
}

func parseDateFlag(name, value string, log *zap.SugaredLogger) time.Time {
	if value == "" {
		return time.Time{}
	}
	compact := 0
	if _, err := fmt.Sscanf(value, "%d", &compact); err != nil {
		log.Fatalw("invalid date flag", "flag", name, "value", value)
	}
	t, err := ccd.ParseCompactDate(compact)
	if err != nil {
		log.Fatalw("invalid date flag", "flag", name, "value", value, "error", err)
	}
	return t
}

func runDetect(args []string) {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	input := fs.String("input", "", "Per-tile parquet observation table (required)")
	tileID := fs.String("tile", "", "Tile identity (required)")
	outDir := fs.String("out", "segments", "Output directory for tile parquet files")
	dbPath := fs.String("db", defaultDBFile, "Path to the sqlite database")
	tuningPath := fs.String("config", "", "Tuning config JSON (defaults to "+config.DefaultConfigPath+")")
	startFlag := fs.String("start", "", "Start date yyyymmdd (inclusive)")
	endFlag := fs.String("end", "", "End date yyyymmdd (inclusive)")
	debug := fs.Bool("debug", false, "Verbose console logging")
	fs.Parse(args)

	log := newLogger(*debug)
	defer log.Sync()

	if *input == "" || *tileID == "" {
		log.Fatal("detect requires -input and -tile")
	}

	tuning := loadTuning(*tuningPath, log)
	start := parseDateFlag("start", *startFlag, log)
	end := parseDateFlag("end", *endFlag, log)

	database, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalw("failed to open database", "error", err)
	}
	defer database.Close()
	if err := database.MigrateUp(); err != nil {
		log.Fatalw("failed to migrate database", "error", err)
	}

	store, err := tilestore.New(*outDir, log)
	if err != nil {
		log.Fatalw("failed to open tile store", "error", err)
	}

	detector, err := ccd.NewDetector(ccd.DetectorConfigFromTuning(tuning))
	if err != nil {
		log.Fatalw("invalid detector configuration", "error", err)
	}

	series, skipped, err := ccd.LoadTileObservations(*input, *tileID, start, end, tuning.GetMinCleanObservations())
	if err != nil {
		log.Fatalw("failed to load observations", "input", *input, "error", err)
	}

	paramsJSON, err := tuning.ToJSON()
	if err != nil {
		log.Fatalw("failed to serialise tuning params", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := tile.NewRunner(detector, store, sqlite.NewRunStore(database.DB), log, tuning.GetWorkers())
	if _, err := runner.ProcessTile(ctx, *tileID, series, skipped, paramsJSON); err != nil {
		log.Fatalw("tile job failed", "tile", *tileID, "error", err)
	}
}

func runWindow(args []string) {
	fs := flag.NewFlagSet("window", flag.ExitOnError)
	input := fs.String("input", "", "Per-tile parquet observation table (required)")
	tileID := fs.String("tile", "", "Tile identity (required)")
	refsPath := fs.String("refs", "", "Reference change records GeoJSON (required)")
	outPath := fs.String("out", "windows.csv", "Output CSV path")
	tuningPath := fs.String("config", "", "Tuning config JSON (defaults to "+config.DefaultConfigPath+")")
	debug := fs.Bool("debug", false, "Verbose console logging")
	fs.Parse(args)

	log := newLogger(*debug)
	defer log.Sync()

	if *input == "" || *tileID == "" || *refsPath == "" {
		log.Fatal("window requires -input, -tile and -refs")
	}

	tuning := loadTuning(*tuningPath, log)
	n := tuning.GetWindowHalfWidth()
	resolution := tuning.GetPixelResolutionMeters()

	series, skipped, err := ccd.LoadTileObservations(*input, *tileID, time.Time{}, time.Time{}, 1)
	if err != nil {
		log.Fatalw("failed to load observations", "input", *input, "error", err)
	}
	for _, s := range skipped {
		log.Warnw("pixel skipped", "error", s.Error())
	}

	refs, refsSkipped, err := evaluate.LoadReferenceChanges(*refsPath, log)
	if err != nil {
		log.Fatalw("failed to load reference records", "refs", *refsPath, "error", err)
	}
	if refsSkipped > 0 {
		log.Warnw("malformed reference records skipped", "count", refsSkipped)
	}

	var windows []window.Window
	for _, ref := range refs {
		for _, s := range series {
			if !pixelInReference(ref, s.X, s.Y, resolution) {
				continue
			}
			windows = append(windows, window.Extract(s, ref.Date0, ref.Date1, n))
		}
	}

	out, err := os.Create(*outPath)
	if err != nil {
		log.Fatalw("failed to create output file", "path", *outPath, "error", err)
	}
	defer out.Close()
	if err := window.WriteCSV(out, windows, tuning.GetBandNames(), n); err != nil {
		log.Fatalw("failed to write windows", "error", err)
	}
	log.Infow("window extraction complete", "references", len(refs), "windows", len(windows), "out", *outPath)
}

func runEvaluate(args []string) {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	tileID := fs.String("tile", "", "Tile identity (required)")
	segDir := fs.String("segments", "segments", "Directory of tile parquet files")
	refsPath := fs.String("refs", "", "Reference change records GeoJSON (required)")
	reportPath := fs.String("report", "accuracy.csv", "Output metrics CSV path")
	dbPath := fs.String("db", defaultDBFile, "Path to the sqlite database")
	runID := fs.String("run", "", "Run ID to associate with the evaluation")
	tuningPath := fs.String("config", "", "Tuning config JSON (defaults to "+config.DefaultConfigPath+")")
	debug := fs.Bool("debug", false, "Verbose console logging")
	fs.Parse(args)

	log := newLogger(*debug)
	defer log.Sync()

	if *tileID == "" || *refsPath == "" {
		log.Fatal("evaluate requires -tile and -refs")
	}

	tuning := loadTuning(*tuningPath, log)

	store, err := tilestore.New(*segDir, log)
	if err != nil {
		log.Fatalw("failed to open tile store", "error", err)
	}
	breaks, err := store.Breaks(*tileID)
	if err != nil {
		log.Fatalw("failed to load breaks", "tile", *tileID, "error", err)
	}

	refs, refsSkipped, err := evaluate.LoadReferenceChanges(*refsPath, log)
	if err != nil {
		log.Fatalw("failed to load reference records", "refs", *refsPath, "error", err)
	}

	rep := evaluate.Evaluate(breaks, refs, evaluate.ConfigFromTuning(tuning))
	rep.SkippedRecords = refsSkipped

	out, err := os.Create(*reportPath)
	if err != nil {
		log.Fatalw("failed to create report file", "path", *reportPath, "error", err)
	}
	defer out.Close()
	if err := evaluate.WriteReportCSV(out, rep); err != nil {
		log.Fatalw("failed to write report", "error", err)
	}

	database, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalw("failed to open database", "error", err)
	}
	defer database.Close()
	if err := database.MigrateUp(); err != nil {
		log.Fatalw("failed to migrate database", "error", err)
	}

	paramsJSON, err := tuning.ToJSON()
	if err != nil {
		log.Fatalw("failed to serialise tuning params", "error", err)
	}
	eval := &sqlite.Evaluation{
		TileID:          *tileID,
		RunID:           *runID,
		TruePositive:    rep.TruePositive,
		FalsePositive:   rep.FalsePositive,
		FalseNegative:   rep.FalseNegative,
		Precision:       rep.Precision,
		Recall:          rep.Recall,
		F1:              rep.F1,
		OmissionError:   rep.OmissionError,
		CommissionError: rep.CommissionError,
		ReferenceCount:  rep.ReferenceCount,
		BreakCount:      rep.BreakCount,
		SkippedRecords:  rep.SkippedRecords,
		ParamsJSON:      paramsJSON,
	}
	if err := sqlite.NewEvaluationStore(database.DB).Insert(eval); err != nil {
		log.Fatalw("failed to persist evaluation", "error", err)
	}

	log.Infow("evaluation complete",
		"tile", *tileID,
		"tp", rep.TruePositive, "fp", rep.FalsePositive, "fn", rep.FalseNegative,
		"precision", rep.Precision, "recall", rep.Recall, "f1", rep.F1,
		"report", *reportPath, "evaluation_id", eval.EvaluationID)
}

// pixelInReference reports whether a pixel center belongs to a
// reference record's spatial unit.
func pixelInReference(ref evaluate.ReferenceChange, x, y, resolution float64) bool {
	switch g := ref.Geometry.(type) {
	case orb.Point:
		dx := g[0] - x
		dy := g[1] - y
		half := resolution / 2
		return dx*dx+dy*dy <= half*half
	default:
		return tilestore.GeometryContains(ref.Geometry, orb.Point{x, y})
	}
}
