package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/readiness/internal/assessment"
	"github.com/pavelanni/readiness/internal/events"
	appI18n "github.com/pavelanni/readiness/internal/i18n"
	"github.com/pavelanni/readiness/internal/model"
	"github.com/pavelanni/readiness/internal/notify"
	"github.com/pavelanni/readiness/internal/progress"
	"github.com/pavelanni/readiness/internal/questionbank"
	"github.com/pavelanni/readiness/internal/scoring"
	"github.com/pavelanni/readiness/internal/store"
	"github.com/pavelanni/readiness/internal/submit"
)

func assessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Fill in, submit and follow an assessment against a server",
		Long: `Resumes the locally saved assessment (if any), applies company info and
answers from JSON files, submits the result and follows processing and
report delivery until both finish.`,
		RunE: runAssess,
	}
	f := cmd.Flags()
	f.String("server", "http://localhost:8080", "Base URL of the diagnosis server")
	f.String("db", "readiness-client.db", "SQLite file holding the in-progress assessment")
	f.String("info", "", "Company info JSON file")
	f.String("answers", "", "Answers JSON file ({\"<question id>\": <score 1..5>})")
	f.StringP("questions", "q", "", "Path to a question catalog JSON file (default: built-in catalog)")
	f.Bool("reset", false, "Discard the saved assessment and start over")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	f.Duration("submit-timeout", submit.DefaultTimeout, "Overall submission deadline including retries")
	f.Duration("reconnect-delay", progress.DefaultReconnectDelay, "Delay before reconnecting the progress stream")
	f.Duration("progress-max", progress.DefaultMaxDuration, "Maximum time to follow processing before assuming completion")
	f.Duration("poll-interval", notify.DefaultInterval, "Delivery status poll interval")
	f.Duration("poll-max", notify.DefaultMaxDuration, "Maximum time to wait for delivery confirmation")
	addLogFlags(cmd)
	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score an answers file offline and print the result",
		RunE:  runScore,
	}
	f := cmd.Flags()
	f.String("info", "", "Company info JSON file (industry and size drive the benchmark)")
	f.String("answers", "", "Answers JSON file")
	f.StringP("questions", "q", "", "Path to a question catalog JSON file (default: built-in catalog)")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	_ = cmd.MarkFlagRequired("answers")
	return cmd
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func runAssess(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = appI18n.WithLanguage(ctx, lang)

	bank, err := loadBank(v.GetString("questions"))
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	saved := db.SessionStore(assessment.StorageKey)
	if v.GetBool("reset") {
		if err := saved.Clear(); err != nil {
			return fmt.Errorf("reset session: %w", err)
		}
	}
	sess, err := assessment.Restore(bank, saved)
	if err != nil {
		return err
	}

	if err := fillSession(ctx, sess, v.GetString("info"), v.GetString("answers")); err != nil {
		return err
	}
	printPreview(bank, sess.Preview())

	coord := submit.New(endpoint(v.GetString("server"), "/api/diagnosis"))
	coord.Timeout = v.GetDuration("submit-timeout")
	coord.OnAttempt = func(attempt int) {
		slog.Info("submitting assessment", "attempt", attempt)
	}
	id, err := coord.Submit(ctx, sess)
	if err != nil {
		var se *submit.Error
		if errors.As(err, &se) {
			fmt.Fprintln(os.Stderr, se.Message(ctx))
		}
		return err
	}
	fmt.Printf("diagnosis id: %s\n", id)

	return follow(ctx, v.GetString("server"), id, sess.CompanyInfo().Email, followOptions{
		reconnectDelay: v.GetDuration("reconnect-delay"),
		progressMax:    v.GetDuration("progress-max"),
		pollInterval:   v.GetDuration("poll-interval"),
		pollMax:        v.GetDuration("poll-max"),
	})
}

// fillSession applies the info and answers files and advances the session to
// ReadyToSubmit. Progress is saved even when answers are missing.
func fillSession(ctx context.Context, sess *assessment.Session, infoPath, answersPath string) error {
	if infoPath != "" {
		var info model.CompanyInfo
		if err := readJSON(infoPath, &info); err != nil {
			return err
		}
		if err := sess.SubmitCompanyInfo(info); err != nil {
			return err
		}
	}
	if sess.State() == assessment.StateCollectingInfo {
		return errors.New("company info is required: pass --info")
	}

	if answersPath != "" && sess.State() == assessment.StateAnswering {
		var answers model.Responses
		if err := readJSON(answersPath, &answers); err != nil {
			return err
		}
		for id, score := range answers {
			if err := sess.Answer(id, score); err != nil {
				return err
			}
		}
	}

	for sess.State() == assessment.StateAnswering {
		if err := sess.GoNext(); err != nil {
			var incomplete *assessment.IncompleteAssessmentError
			if errors.As(err, &incomplete) {
				fmt.Fprintln(os.Stderr, appI18n.Tp(ctx, "UnansweredQuestions", len(incomplete.Missing)))
			}
			return err
		}
	}
	return nil
}

func printPreview(bank *questionbank.Bank, p scoring.Preview) {
	fmt.Printf("answered %d/%d\n", p.Answered, p.Total)
	for _, cat := range bank.Categories() {
		fmt.Printf("  %-30s %3d\n", cat.Title, p.CategoryScores[cat.Key])
	}
}

type followOptions struct {
	reconnectDelay time.Duration
	progressMax    time.Duration
	pollInterval   time.Duration
	pollMax        time.Duration
	out            io.Writer
}

// follow runs the progress tracker and the delivery verifier side by side
// and tears both down on return.
func follow(ctx context.Context, server, id, email string, opts followOptions) error {
	if opts.out == nil {
		opts.out = os.Stdout
	}
	bus := events.NewBus()
	unsubscribe := bus.Subscribe(events.TopicHideBanners, func(events.Event) {
		slog.Debug("report delivery confirmed, hiding banners", "diagnosis_id", id)
	})
	defer unsubscribe()

	tracker := progress.New(endpoint(server, "/api/diagnosis/progress"), id, progress.Options{
		ReconnectDelay: opts.reconnectDelay,
		MaxDuration:    opts.progressMax,
		Bus:            bus,
		OnUpdate: func(s model.ProgressSnapshot) {
			fmt.Fprintln(opts.out, appI18n.Td(ctx, "OverallProgress", map[string]any{"Percent": s.Overall}))
		},
	})
	verifier := notify.New(endpoint(server, "/api/diagnosis/email-status"), id, email, notify.Options{
		Interval:    opts.pollInterval,
		MaxDuration: opts.pollMax,
		Bus:         bus,
		OnStatus: func(st model.EmailVerificationStatus) {
			fmt.Fprintln(opts.out, st.Message)
		},
	})
	defer tracker.Close()
	defer verifier.Stop()

	if err := tracker.Start(ctx); err != nil {
		return err
	}
	if err := verifier.Start(ctx); err != nil {
		return err
	}

	trackerDone, verifierDone := tracker.Done(), verifier.Done()
	for trackerDone != nil || verifierDone != nil {
		select {
		case <-trackerDone:
			trackerDone = nil
			slog.Debug("diagnosis processing finished", "diagnosis_id", id)
		case <-verifierDone:
			verifierDone = nil
			if err := verifier.Err(); err != nil {
				fmt.Fprintln(opts.out, appI18n.T(ctx, "DeliveryTimeout"))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func runScore(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx := appI18n.WithLanguage(context.Background(), lang)

	bank, err := loadBank(v.GetString("questions"))
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	bench, err := loadBenchmarks(v)
	if err != nil {
		return err
	}

	var info model.CompanyInfo
	if path := v.GetString("info"); path != "" {
		if err := readJSON(path, &info); err != nil {
			return err
		}
	}
	var answers model.Responses
	if err := readJSON(v.GetString("answers"), &answers); err != nil {
		return err
	}

	result, err := scoring.Evaluate(bank, answers, info, bench)
	if err != nil {
		var incomplete *scoring.IncompleteError
		if errors.As(err, &incomplete) {
			fmt.Fprintln(os.Stderr, appI18n.Tp(ctx, "UnansweredQuestions", len(incomplete.Missing)))
		}
		return err
	}

	type categoryLine struct {
		Key   string `json:"key"`
		Title string `json:"title"`
		Score int    `json:"score"`
	}
	out := struct {
		model.DiagnosisResult
		Description string         `json:"description"`
		Summary     string         `json:"summary"`
		Categories  []categoryLine `json:"categories"`
	}{
		DiagnosisResult: result,
		Description:     appI18n.T(ctx, "Grade"+string(result.Grade)),
		Summary: appI18n.Td(ctx, "ResultSummary", map[string]any{
			"Score":      result.TotalScore,
			"Grade":      string(result.Grade),
			"Average":    result.Benchmark.IndustryAverage,
			"Percentile": result.Benchmark.Percentile,
		}),
	}
	for _, cat := range bank.Categories() {
		out.Categories = append(out.Categories, categoryLine{cat.Key, cat.Title, result.CategoryScores[cat.Key]})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	return writeOutput(v.GetString("output"), data)
}
