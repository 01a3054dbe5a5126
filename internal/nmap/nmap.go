// Package nmap is an executor running nmap port scans over job targets.
package nmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/Ullaakut/nmap/v3"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Boxworker/internal/bom"
	"github.com/CZERTAINLY/Boxworker/internal/log"
	"github.com/CZERTAINLY/Boxworker/internal/model"
)

const (
	selfTestTarget  = "127.0.0.1"
	selfTestTimeout = 30 * time.Second
)

// Scanner is a wrapper on top of "github.com/Ullaakut/nmap/v3" Scanner
// implementing model.Executor and model.SelfTester
type Scanner struct {
	nmap        string
	parallelism int
}

func New() Scanner {
	return Scanner{parallelism: 1}
}

// FromConfig returns a scanner configured by nmap section of a config
func FromConfig(cfg model.Nmap) Scanner {
	return New().WithNmapBinary(cfg.Binary).WithParallelism(cfg.Parallelism)
}

func (s Scanner) WithNmapBinary(nmap string) Scanner {
	s.nmap = nmap
	return s
}

// WithParallelism limits the number of targets scanned at the same time
func (s Scanner) WithParallelism(n int) Scanner {
	if n < 1 {
		n = 1
	}
	s.parallelism = n
	return s
}

// Execute scans all targets and returns findings with a CycloneDX BOM of
// the scanned hosts as a raw output
func (s Scanner) Execute(ctx context.Context, raw []json.RawMessage) (model.Result, error) {
	targets, err := ParseTargets(raw)
	if err != nil {
		return model.Result{}, err
	}

	runs := make([]*nmap.Run, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, target := range targets {
		g.Go(func() error {
			run, err := s.scan(gctx, target.Location, target.Args())
			if err != nil {
				return fmt.Errorf("scanning %s: %w", target.Name, err)
			}
			runs[i] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Result{}, err
	}

	builder := bom.NewBuilder("nmap")
	findings := []model.Finding{}
	for i, run := range runs {
		builder.AppendProperties(cdx.Property{
			Name:  "nmap:args:" + targets[i].Name,
			Value: run.Args,
		})
		for _, host := range run.Hosts {
			findings = append(findings, HostFindings(host)...)
			compos, deps := hostComponents(host)
			builder.AppendComponents(compos...).AppendDependencies(deps...)
		}
	}

	rawBOM, err := builder.Bytes()
	if err != nil {
		return model.Result{}, fmt.Errorf("encoding BOM: %w", err)
	}
	return model.Result{Findings: findings, Raw: rawBOM}, nil
}

// SelfTest runs a ping scan of a loopback and reports nmap's version
func (s Scanner) SelfTest(ctx context.Context) (model.SelfTest, error) {
	ctx, cancel := context.WithTimeout(ctx, selfTestTimeout)
	defer cancel()

	run, err := s.scan(ctx, selfTestTarget, nil, nmap.WithPingScan())
	if err != nil {
		return model.SelfTest{Version: model.Unknown, TestRun: model.TestRunFailed}, err
	}
	st := model.SelfTest{Version: run.Version, TestRun: model.TestRunSuccessful}
	if len(run.Hosts) == 0 {
		st.TestRun = model.TestRunFailed
		return st, fmt.Errorf("self test: %w", model.ErrNoMatch)
	}
	return st, nil
}

func (s Scanner) scan(ctx context.Context, location string, args []string, extra ...nmap.Option) (*nmap.Run, error) {
	options := []nmap.Option{
		nmap.WithTargets(location),
	}
	if s.nmap != "" {
		options = append(options, nmap.WithBinaryPath(s.nmap))
	}
	if len(args) > 0 {
		options = append(options, nmap.WithCustomArguments(args...))
	}
	options = append(options, extra...)

	ctx = log.ContextAttrs(ctx,
		slog.String("scanner", "nmap"),
		slog.String("target", location),
		slog.Any("args", args),
	)

	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("creating nmap scanner: %w", err)
	}

	now := time.Now()
	slog.DebugContext(ctx, "scan started")
	run, warningsp, err := scanner.Run()
	if warningsp != nil {
		for _, warn := range *warningsp {
			slog.WarnContext(ctx, "scan", "warning", warn)
		}
	}
	if err != nil {
		slog.DebugContext(ctx, "scan failed", "error", err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if run == nil {
		return nil, errors.New("nmap returned no result")
	}

	slog.DebugContext(ctx, "scan finished", "elapsed", time.Since(now).String(), "hosts", len(run.Hosts))
	return run, nil
}
