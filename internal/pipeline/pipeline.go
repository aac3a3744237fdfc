// Package pipeline wires the reassembler, annotator, correlator and report
// sinks into a single correlation run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qbcorrelate/internal/annotate"
	"qbcorrelate/internal/config"
	"qbcorrelate/internal/correlate"
	"qbcorrelate/internal/logging"
	"qbcorrelate/internal/reassembler"
	"qbcorrelate/internal/record"
	"qbcorrelate/internal/report"
	"qbcorrelate/internal/snapshot"
	"qbcorrelate/internal/store"
)

// ErrSubjectLimit is returned when the subject log holds more records than
// correlate.max_subject_records allows.
var ErrSubjectLimit = errors.New("subject record limit exceeded")

// Summary describes a finished run.
type Summary struct {
	RunID          string
	AssessmentPath string
	SubjectPath    string
	Assessment     reassembler.Stats
	Subject        reassembler.Stats
	Groups         int
	Rows           int
	Unmatched      int64
	Misses         map[record.Kind]int
	Indexed        bool // subject sequence was sorted, binary search used
	Elapsed        time.Duration
}

// Pipeline runs correlation passes for one configuration.
type Pipeline struct {
	cfg *config.Config
	log *zap.Logger

	extractor       *record.Extractor
	filter          *regexp.Regexp
	annotator       *annotate.Annotator
	correlator      *correlate.Correlator
	assembler       *report.Assembler
	assessmentKinds []record.Kind
	subjectKinds    []record.Kind

	// slowWrite is the report write time above which a warning is logged.
	slowWrite time.Duration
}

const defaultSlowWrite = 30 * time.Second

// New builds a Pipeline from cfg. base may be nil.
func New(cfg *config.Config, base *zap.Logger) (*Pipeline, error) {
	if base == nil {
		base = zap.NewNop()
	}
	loc, err := cfg.Parse.Location()
	if err != nil {
		return nil, err
	}
	filter, err := cfg.FilterRegexp()
	if err != nil {
		return nil, err
	}
	rules, err := buildRules(cfg.Extract.Rules)
	if err != nil {
		return nil, err
	}

	lc := cfg.Logging
	return &Pipeline{
		cfg:        cfg,
		log:        base,
		extractor:  record.NewExtractor(loc, cfg.Parse.GetGranularity()),
		filter:     filter,
		annotator:  annotate.New(rules, logging.For(base, lc, logging.CategoryAnnotate)),
		correlator: correlate.New(correlate.Config{
			Lookback: cfg.Correlate.GetLookback(),
			Key:      record.Kind(cfg.Correlate.GetKey()),
		}, logging.For(base, lc, logging.CategoryCorrelate)),
		assembler:       report.NewAssembler(report.DefaultColumns()),
		assessmentKinds: kinds(cfg.Extract.Assessment),
		subjectKinds:    kinds(cfg.Extract.Subject),
		slowWrite:       defaultSlowWrite,
	}, nil
}

func buildRules(cfgRules []config.RuleConfig) ([]annotate.Rule, error) {
	if len(cfgRules) == 0 {
		return annotate.DefaultRules(), nil
	}
	rules := make([]annotate.Rule, 0, len(cfgRules))
	for _, rc := range cfgRules {
		r, err := annotate.CompileRule(record.Kind(rc.Kind), rc.Pattern, rc.Numeric)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func kinds(names []string) []record.Kind {
	out := make([]record.Kind, len(names))
	for i, n := range names {
		out[i] = record.Kind(n)
	}
	return out
}

// AssessmentKinds are the identifier kinds extracted from the assessment log.
func (p *Pipeline) AssessmentKinds() []record.Kind { return p.assessmentKinds }

// SubjectKinds are the identifier kinds extracted from the subject log.
func (p *Pipeline) SubjectKinds() []record.Kind { return p.subjectKinds }

// Misses returns the per-kind count of records where extraction found nothing.
func (p *Pipeline) Misses() map[record.Kind]int { return p.annotator.Misses() }

func (p *Pipeline) category(c logging.Category) *zap.Logger {
	return logging.For(p.log, p.cfg.Logging, c)
}

// ParseFile reassembles and annotates one log file. limit caps the number of
// retained records; zero means unlimited.
func (p *Pipeline) ParseFile(ctx context.Context, path string, kinds []record.Kind, limit int) ([]record.LogRecord, reassembler.Stats, error) {
	log := p.category(logging.CategoryParse).With(zap.String("file", path))

	rc, err := reassembler.Open(path)
	if err != nil {
		return nil, reassembler.Stats{}, err
	}
	defer rc.Close()

	src := reassembler.NewScannerSource(rc, path, p.cfg.Parse.MaxLineBytes)
	r := reassembler.New(src, reassembler.Options{
		Extractor:        p.extractor,
		Filter:           p.filter,
		ProgressEvery:    p.cfg.Parse.ProgressEvery,
		ProgressInterval: p.cfg.Parse.GetProgressInterval(),
		OnProgress:       progressLogger(log, path),
	})

	log.Info("Beginning parsing of " + path)
	timer := logging.StartTimer(log, "parse")

	var recs []record.LogRecord
	err = reassembler.ReadAll(ctx, r, func(rec record.LogRecord) error {
		if limit > 0 && len(recs) >= limit {
			return fmt.Errorf("%w: %s has more than %d records", ErrSubjectLimit, path, limit)
		}
		recs = append(recs, p.annotator.AnnotateAll(rec, kinds...))
		return nil
	})
	if err != nil {
		return nil, r.Stats(), fmt.Errorf("failed to parse %s: %w", path, err)
	}
	timer.Stop()
	return recs, r.Stats(), nil
}

func progressLogger(log *zap.Logger, path string) func(reassembler.Progress) {
	return func(pr reassembler.Progress) {
		msg := fmt.Sprintf("%s: %d Lines, %d Queries, %d Discarded, %d Retained",
			pr.Timestamp.Format(time.RFC3339), pr.Lines, pr.Records, pr.Discarded, pr.Retained())
		fields := []zap.Field{
			zap.Int("lines", pr.Lines),
			zap.Int("records", pr.Records),
			zap.Int("discarded", pr.Discarded),
			zap.Int("orphans", pr.Orphans),
		}
		log.Info(msg, fields...)
		if pr.Done {
			log.Info("Completed parsing of "+path, fields...)
		}
	}
}

// Run parses both configured logs in parallel, correlates them and writes the
// report to every configured sink.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	sum := &Summary{
		RunID:          uuid.NewString(),
		AssessmentPath: p.cfg.Input.Assessment,
		SubjectPath:    p.cfg.Input.Subject,
	}

	var assessments, subjects []record.LogRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		assessments, sum.Assessment, err = p.ParseFile(gctx, p.cfg.Input.Assessment, p.assessmentKinds, 0)
		return err
	})
	g.Go(func() error {
		var err error
		subjects, sum.Subject, err = p.ParseFile(gctx, p.cfg.Input.Subject, p.subjectKinds, p.cfg.Correlate.MaxSubjectRecords)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := p.writeSnapshots(assessments, subjects); err != nil {
		return nil, err
	}

	if err := p.correlateAndWrite(ctx, sum, assessments, subjects); err != nil {
		return nil, err
	}
	sum.Misses = p.Misses()
	sum.Elapsed = time.Since(start)
	return sum, nil
}

// Replay correlates two snapshot files written by an earlier run, skipping
// the parse phase.
func (p *Pipeline) Replay(ctx context.Context, assessmentSnap, subjectSnap string) (*Summary, error) {
	start := time.Now()
	sum := &Summary{RunID: uuid.NewString(), AssessmentPath: assessmentSnap, SubjectPath: subjectSnap}
	log := p.category(logging.CategorySnapshot)

	var assessments, subjects []record.LogRecord
	var g errgroup.Group
	g.Go(func() error {
		var err error
		assessments, err = snapshot.ReadFile(assessmentSnap)
		return err
	})
	g.Go(func() error {
		var err error
		subjects, err = snapshot.ReadFile(subjectSnap)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if limit := p.cfg.Correlate.MaxSubjectRecords; limit > 0 && len(subjects) > limit {
		return nil, fmt.Errorf("%w: %s has %d records (limit %d)", ErrSubjectLimit, subjectSnap, len(subjects), limit)
	}
	sum.Assessment = reassembler.Stats{Records: len(assessments)}
	sum.Subject = reassembler.Stats{Records: len(subjects)}
	log.Info("Loaded snapshots",
		zap.String("assessment", assessmentSnap),
		zap.Int("assessment_records", len(assessments)),
		zap.String("subject", subjectSnap),
		zap.Int("subject_records", len(subjects)))

	if err := p.correlateAndWrite(ctx, sum, assessments, subjects); err != nil {
		return nil, err
	}
	sum.Elapsed = time.Since(start)
	return sum, nil
}

// SnapshotPaths returns where Run writes its snapshots, or empty strings when
// snapshots are disabled.
func (p *Pipeline) SnapshotPaths() (assessment, subject string) {
	dir := p.cfg.Output.SnapshotDir
	if dir == "" {
		return "", ""
	}
	ext := ".jsonl"
	if p.cfg.Output.Compress {
		ext += ".zst"
	}
	return filepath.Join(dir, "assessment"+ext), filepath.Join(dir, "subject"+ext)
}

func (p *Pipeline) writeSnapshots(assessments, subjects []record.LogRecord) error {
	aPath, sPath := p.SnapshotPaths()
	if aPath == "" {
		return nil
	}
	log := p.category(logging.CategorySnapshot)
	if err := snapshot.WriteFile(aPath, assessments); err != nil {
		return fmt.Errorf("failed to write assessment snapshot: %w", err)
	}
	if err := snapshot.WriteFile(sPath, subjects); err != nil {
		return fmt.Errorf("failed to write subject snapshot: %w", err)
	}
	log.Info("Wrote snapshots", zap.String("assessment", aPath), zap.String("subject", sPath))
	return nil
}

func (p *Pipeline) correlateAndWrite(ctx context.Context, sum *Summary, assessments, subjects []record.LogRecord) error {
	clog := p.category(logging.CategoryCorrelate)

	before := p.correlator.Unmatched()
	ix := p.correlator.NewIndex(subjects)
	sum.Indexed = ix.Sorted()
	if !ix.Sorted() {
		clog.Warn("subject records are not in timestamp order, using linear scan", zap.Int("subjects", ix.Len()))
	}

	timer := logging.StartTimer(clog, "correlation")
	results, err := correlate.CorrelateAll(ctx, ix, assessments, p.cfg.Correlate.Workers)
	if err != nil {
		return fmt.Errorf("correlation failed: %w", err)
	}
	timer.StopWithInfo()
	sum.Unmatched = p.correlator.Unmatched() - before

	groups := p.assembler.Assemble(results)
	sum.Groups = len(groups)
	for _, g := range groups {
		sum.Rows += len(g.Rows())
	}
	return p.writeReport(ctx, sum, groups)
}

func (p *Pipeline) writeReport(ctx context.Context, sum *Summary, groups []report.RowGroup) error {
	var files report.MultiSink

	if path := p.cfg.Output.CSV; path != "" {
		cw, err := report.CreateCSV(path)
		if err != nil {
			return err
		}
		if eol := p.cfg.EOL(); eol != "" {
			cw.EOL = eol
		}
		files = append(files, cw)
	}

	run := store.Run{
		ID:             sum.RunID,
		AssessmentPath: sum.AssessmentPath,
		SubjectPath:    sum.SubjectPath,
		Filter:         p.cfg.QueryFilterRegex,
		Lookback:       p.correlator.Config().Lookback.String(),
	}
	var db *store.Store
	var rs *store.RunSink
	if path := p.cfg.Output.SQLite; path != "" {
		var err error
		if db, err = store.Open(path, store.WithLogger(p.category(logging.CategoryStore))); err != nil {
			files.Close()
			return err
		}
		defer db.Close()
		if rs, err = db.BeginRun(ctx, run); err != nil {
			files.Close()
			return err
		}
	}

	timer := logging.StartTimer(p.category(logging.CategoryReport), "report write")
	if err := writeSinks(files, rs, groups); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	timer.StopWithThreshold(p.slowWrite)

	if db != nil {
		run.AssessmentRecords = sum.Assessment.Retained()
		run.SubjectRecords = sum.Subject.Retained()
		run.Unmatched = int(sum.Unmatched)
		if err := db.FinishRun(ctx, run); err != nil {
			return err
		}
		p.category(logging.CategoryStore).Info("Stored run", zap.String("run_id", run.ID), zap.String("db", db.Path()))
	}

	p.category(logging.CategoryReport).Info("Report written",
		zap.String("csv", p.cfg.Output.CSV),
		zap.Int("groups", sum.Groups),
		zap.Int("rows", sum.Rows),
		zap.Int64("unmatched", sum.Unmatched))
	return nil
}

// writeSinks writes groups to the file sinks and the run sink. The run is
// committed last, and only when every file sink wrote and closed cleanly.
func writeSinks(files report.MultiSink, rs *store.RunSink, groups []report.RowGroup) error {
	sinks := append(report.MultiSink(nil), files...)
	if rs != nil {
		sinks = append(sinks, rs)
	}

	err := report.WriteAll(sinks, groups)
	if cerr := files.Close(); err == nil {
		err = cerr
	}
	if rs == nil {
		return err
	}
	if err != nil {
		rs.Abort(err)
	}
	if cerr := rs.Close(); err == nil {
		err = cerr
	}
	return err
}
