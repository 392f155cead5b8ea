// Command nzbpost posts one or more files to Usenet as a binary yEnc
// group and writes the resulting NZB manifest. It is the direct
// successor of the original post2usenet CLI: same INI configuration
// file shape, same flag set, same subject/NZB conventions, rebuilt on
// top of the posting engine in internal/engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"

	"github.com/nzbpost/nzbpost/internal/config"
	"github.com/nzbpost/nzbpost/internal/engine"
	"github.com/nzbpost/nzbpost/internal/logger"
	"github.com/nzbpost/nzbpost/internal/nntp"
	"github.com/nzbpost/nzbpost/internal/nzb"
	"github.com/nzbpost/nzbpost/internal/progress"
	"github.com/nzbpost/nzbpost/internal/segment"
	"github.com/nzbpost/nzbpost/internal/walk"
)

var flags struct {
	articleSize int64
	raw         bool
	validate    bool
	subject     string
	configPath  string
	output      string
	groups      []string
	ioThreads   int
}

var rootCmd = &cobra.Command{
	Use:   "nzbpost <file|dir> [file|dir...]",
	Short: "Post files to Usenet as yEnc binaries and write an NZB manifest",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPost(args)
	},
}

func init() {
	f := rootCmd.Flags()
	f.Int64VarP(&flags.articleSize, "articlesize", "a", 0, "Size in bytes of each article (overrides the config file)")
	f.BoolVarP(&flags.raw, "raw", "r", true, "Raw post mode; emulates GoPostStuff, newsmangler, etc.")
	f.BoolVarP(&flags.validate, "validate", "v", false, "STAT every posted article afterward and repost any the server has lost")
	f.StringVarP(&flags.subject, "subject", "s", "", "Subject of the post (defaults to the file/folder name)")
	f.StringVarP(&flags.configPath, "config", "c", "", "Configuration file path (default ~/.nzbpost.ini)")
	f.StringVarP(&flags.output, "output", "o", "", "Output NZB file path")
	f.StringSliceVarP(&flags.groups, "group", "g", nil, "Newsgroup to post to (repeatable)")
	f.IntVar(&flags.ioThreads, "iothreads", 1, "Number of IO threads to use. 1 IO thread is usually fine.")
	f.MarkHidden("iothreads")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".nzbpost.ini"), nil
}

func runPost(args []string) error {
	log := logger.New(os.Stderr, logger.LevelInfo, true)

	if len(flags.groups) == 0 {
		return fmt.Errorf("need at least one -g/--group to post to")
	}

	configPath := flags.configPath
	if configPath == "" {
		var err error
		configPath, err = defaultConfigPath()
		if err != nil {
			return err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if flags.articleSize > 0 {
		cfg.Global.ArticleSize = flags.articleSize
	}

	subject := flags.subject
	if subject == "" {
		if len(args) == 1 {
			subject = filepath.Base(filepath.Clean(args[0]))
		} else {
			return fmt.Errorf("posting multiple files requires an explicit -s/--subject")
		}
	}

	files, err := walk.Discover(log, args)
	if err != nil {
		return err
	}

	runNonce := ksuid.New().String()[:16]
	log.Info("using run nonce of %s", runNonce)

	producer := segment.New(segment.Config{
		Files:       files,
		ArticleSize: cfg.Global.ArticleSize,
		Subject:     subject,
		Groups:      flags.groups,
		From:        cfg.Global.From,
		Nonce:       runNonce,
		Domain:      cfg.Global.MsgIDDomain,
	})

	runID := uuid.NewString()
	log.Info("run id %s", runID)

	run := newPostRun(producer, log)
	run.buildManifestFiles(files, cfg.Global.From, flags.groups)
	run.builder.SetMeta("x_nzbpost_run_id", runID)

	eng := engine.New(engine.Config{
		MaxQueueSize:     cfg.Global.ArticleQueueSize,
		MaxRetries:       cfg.Global.MaxRetries,
		IOThreads:        flags.ioThreads,
		OperationTimeout: cfg.Global.OperationTimeout,
		PostsPerSecond:   cfg.Global.PostsPerSecond,
		DumpDir:          os.TempDir(),
		Callbacks: engine.Callbacks{
			OnPostFinished: run.onPostFinished,
			OnPostFailed:   run.onPostFailed,
			OnStatFinished: run.onStatFinished,
		},
	})
	run.eng = eng
	eng.Start()

	for _, srv := range cfg.Servers {
		eng.AddConnections(nntp.ServerInfo{
			Address:        srv.Address,
			Port:           srv.Port,
			Username:       srv.Username,
			Password:       srv.Password,
			TLS:            srv.TLS,
			MaxConnections: srv.Connections,
		}, srv.Connections)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Warn("interrupt received, draining in-flight posts and stopping")
			eng.Stop()
			cancel()
		case <-ctx.Done():
		}
	}()

	run.pieceWG.Add(producer.TotalPieces())
	for fileIndex := range files {
		numPieces := producer.NumPieces(fileIndex)
		for pieceIndex := 0; pieceIndex < numPieces; pieceIndex++ {
			art, err := producer.Article(fileIndex, pieceIndex, "")
			if err != nil {
				return fmt.Errorf("building article %d/%d: %w", fileIndex, pieceIndex, err)
			}
			eng.EnqueuePost(art, false)
		}
	}

	// Every piece reaches a terminal state — success or retries
	// exhausted — exactly once, regardless of how many times it was
	// retried in between, so waiting on this group is waiting for the
	// whole run to finish without having to tear the engine down first.
	run.pieceWG.Wait()

	if flags.validate {
		run.validate(eng)
	}

	eng.Stop()
	if err := eng.Join(); err != nil {
		log.Error("engine shutdown error: %v", err)
	}

	fmt.Println("Finished posting!")

	if flags.output != "" {
		if err := run.writeNZB(flags.output); err != nil {
			return fmt.Errorf("write NZB: %w", err)
		}
	}

	if n := run.permanentFailureCount(); n > 0 {
		return fmt.Errorf("%d article(s) permanently failed after exhausting retries", n)
	}
	if eng.QueueLen() > 0 {
		return fmt.Errorf("%d article(s) still queued when the engine stopped", eng.QueueLen())
	}
	return nil
}

// postRun holds the mutable state a single CLI invocation needs across
// the engine's callback goroutines: the NZB manifest under
// construction, the retry/validate bookkeeping, and the progress
// reporter. It plays the role main.cc's set of captured lambdas play in
// the original, collected into one value since Go closures over loose
// local variables would otherwise need the same mutex threaded through
// each one by hand.
type postRun struct {
	producer *segment.Producer
	log      *logger.Logger
	reporter *progress.Reporter
	eng      *engine.Engine

	mu          sync.Mutex
	builder     *nzb.Builder
	completed   map[segment.Key]segment.Article
	failedCount int

	pieceWG    sync.WaitGroup
	validateWG sync.WaitGroup
}

func newPostRun(p *segment.Producer, log *logger.Logger) *postRun {
	return &postRun{
		producer:  p,
		log:       log,
		reporter:  progress.NewReporter(os.Stdout, p.TotalPieces()),
		builder:   nzb.NewBuilder(),
		completed: make(map[segment.Key]segment.Article),
	}
}

// buildManifestFiles registers one NZB <file> entry per input file, in
// the same order the Producer indexes them, so Key.FileIndex doubles
// as the manifest file index.
func (r *postRun) buildManifestFiles(files []segment.FileInfo, poster string, groups []string) {
	now := time.Now().Unix()
	for i := range files {
		subject := r.producer.Subject(i, 0)
		r.builder.AddFile(subject, poster, groups, now)
	}
}

func (r *postRun) onPostFinished(art segment.Article) {
	r.reporter.PostFinished(art)

	r.mu.Lock()
	r.completed[art.Key] = art
	r.mu.Unlock()

	if err := r.builder.AddSegment(art.Key.FileIndex, art.Key.PieceIndex+1, art.PayloadSize(), art.Header.MessageID); err != nil {
		r.log.Error("nzb: %v", err)
	}
	r.pieceWG.Done()
}

// onPostFailed implements the CLI-side half of the retry policy: the
// server has rejected the article body and the engine has kept the
// connection in service (spec.md §4.4); this decides whether the article gets re-minted with a fresh
// message-id and resent, or dumped as a permanent failure.
func (r *postRun) onPostFailed(art segment.Article, err error) {
	r.reporter.PostFailed(art, err)

	key := art.Key
	count, exceeded := r.eng.IncrementRetry(key)
	if exceeded {
		r.log.Error("article %s exhausted retries (%d): %v", key, count, err)
		if dumpErr := r.eng.DumpFailedArticle(art); dumpErr != nil {
			r.log.Error("dump failed article %s: %v", key, dumpErr)
		}
		r.mu.Lock()
		r.failedCount++
		r.mu.Unlock()
		r.pieceWG.Done()
		return
	}

	nonce := ksuid.New().String()[:16]
	retryArt, buildErr := r.producer.Article(key.FileIndex, key.PieceIndex, nonce)
	if buildErr != nil {
		r.log.Error("rebuild article %s for retry: %v", key, buildErr)
		r.mu.Lock()
		r.failedCount++
		r.mu.Unlock()
		r.pieceWG.Done()
		return
	}
	r.eng.SetMsgidException(key, retryArt.Header.MessageID)
	r.eng.EnqueuePost(retryArt, true)
}

func (r *postRun) onStatFinished(msgid string, result nntp.StatResult) {
	defer r.validateWG.Done()

	if result == nntp.ArticleExists {
		return
	}

	key, err := segment.ParseMessageID(msgid)
	if err != nil {
		r.log.Error("validate: %s: %v", msgid, err)
		return
	}
	r.log.Warn("validate: %s missing on server (%s), reposting", key, result)

	r.mu.Lock()
	art, ok := r.completed[key]
	r.mu.Unlock()
	if !ok {
		r.log.Error("validate: no record of article %s to repost", key)
		return
	}
	r.pieceWG.Add(1)
	r.eng.EnqueuePost(art, true)
}

// validate issues a STAT for every article that was successfully
// posted, and blocks until every one has reported back (Open Question
// #4: STAT uses whichever message-id was last actually sent).
func (r *postRun) validate(eng *engine.Engine) {
	r.mu.Lock()
	msgids := make([]string, 0, len(r.completed))
	for key, art := range r.completed {
		if m, ok := eng.MsgidException(key); ok {
			msgids = append(msgids, m)
		} else {
			msgids = append(msgids, art.Header.MessageID)
		}
	}
	r.mu.Unlock()

	r.validateWG.Add(len(msgids))
	for _, m := range msgids {
		eng.EnqueueStat(m)
	}
	r.validateWG.Wait()
}

func (r *postRun) permanentFailureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedCount
}

func (r *postRun) writeNZB(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = r.builder.WriteTo(f)
	return err
}
