package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/eisen-labs/eisen-core/internal/extractor"
	"github.com/eisen-labs/eisen-core/internal/logging"
	"github.com/eisen-labs/eisen-core/internal/tracker"
	"github.com/eisen-labs/eisen-core/internal/wire"
	"github.com/eisen-labs/eisen-core/internal/zone"
)

const (
	// maxLineSize bounds one ACP message. Agents embed whole files in
	// messages, so this is generous.
	maxLineSize = 32 << 20

	defaultGracePeriod   = 5 * time.Second
	defaultExtractBudget = 50 * time.Millisecond
)

// Publisher is the broadcast surface the proxy needs: it only ever
// emits blocked events.
type Publisher interface {
	Publish(key wire.SessionKey, mode wire.SessionMode, msg any)
}

// Config assembles a Proxy.
type Config struct {
	// AgentCommand is the agent executable and its arguments.
	AgentCommand []string
	// WorkDir is the agent's working directory.
	WorkDir string

	// HostIn and HostOut default to os.Stdin and os.Stdout.
	HostIn  io.Reader
	HostOut io.Writer

	Zone      zone.Config
	Extractor *extractor.Extractor
	Tracker   *tracker.Tracker
	Publisher Publisher

	// OnSessionLearned fires when the agent's session-creation
	// response carries a session id.
	OnSessionLearned func(sessionID string)
	// OnTurnEnd fires once per completed turn with the prompt text
	// that opened it, after the tracker's turn counter has advanced.
	OnTurnEnd func(summary string)

	// GracePeriod is the window between soft and hard termination.
	GracePeriod time.Duration
	// ExtractBudget is the per-message time allowance for extraction,
	// and separately for tracking, before a warning is logged. Upstream
	// lines are forwarded before extraction; downstream lines are
	// extracted first, since extraction finds the fs requests to
	// screen. Either way an overrun only earns a warning.
	ExtractBudget time.Duration

	// Now is overridable in tests. Defaults to time.Now.
	Now func() time.Time
}

// Proxy is the bidirectional pipe between a host on stdio and a
// spawned agent child process. Bytes are forwarded unmodified in both
// directions; the only synthesis it ever performs is the JSON-RPC
// error answering a zone-denied fs request.
type Proxy struct {
	cfg Config

	cmd     *exec.Cmd
	agentIn io.WriteCloser

	// agentInMu serialises the upstream forwarder against synthesized
	// denial responses, which share the agent's stdin.
	agentInMu sync.Mutex

	// promptMu guards lastPrompt, written by the upstream task and
	// read by the downstream task at end-of-turn.
	promptMu   sync.Mutex
	lastPrompt string

	exitCode int
}

// New validates cfg and returns a Proxy ready to Run.
func New(cfg Config) (*Proxy, error) {
	if len(cfg.AgentCommand) == 0 {
		return nil, errors.New("proxy: agent command is required")
	}
	if cfg.Extractor == nil || cfg.Tracker == nil {
		return nil, errors.New("proxy: extractor and tracker are required")
	}
	if cfg.HostIn == nil {
		cfg.HostIn = os.Stdin
	}
	if cfg.HostOut == nil {
		cfg.HostOut = os.Stdout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.ExtractBudget <= 0 {
		cfg.ExtractBudget = defaultExtractBudget
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Proxy{cfg: cfg}, nil
}

// ExitCode returns the agent's exit code after Run returns.
func (p *Proxy) ExitCode() int { return p.exitCode }

// Run spawns the agent and forwards until the host disconnects, the
// agent exits, or ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	cmd := exec.Command(p.cfg.AgentCommand[0], p.cfg.AgentCommand[1:]...)
	cmd.Dir = p.cfg.WorkDir

	agentIn, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("proxy: agent stdin: %w", err)
	}
	agentOut, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("proxy: agent stdout: %w", err)
	}
	agentErr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("proxy: agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("proxy: spawn %s: %w", p.cfg.AgentCommand[0], err)
	}
	p.cmd = cmd
	p.agentIn = agentIn

	logging.Info().Str("agent", p.cfg.AgentCommand[0]).Int("pid", cmd.Process.Pid).Msg("agent spawned")

	go p.relayStderr(agentErr)

	// Either direction finishing, or the child exiting, ends the run.
	done := make(chan error, 3)
	go func() { done <- p.forwardUpstream(p.cfg.HostIn) }()
	go func() { done <- p.forwardDownstream(agentOut, p.cfg.HostOut) }()

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	var cause error
	select {
	case cause = <-done:
	case err := <-waited:
		p.recordExit(err)
		return nil
	case <-ctx.Done():
		cause = ctx.Err()
	}

	p.terminate()
	p.recordExit(<-waited)
	return ignoreShutdownErr(cause)
}

// recordExit captures the agent's exit code from Wait's error.
func (p *Proxy) recordExit(err error) {
	if err == nil {
		p.exitCode = 0
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Signal-terminated, normally by our own shutdown; the
			// agent did not itself exit non-zero.
			p.exitCode = 0
			return
		}
		p.exitCode = code
		logging.Warn().Int("code", code).Msg("agent exited non-zero")
		return
	}
	p.exitCode = 1
	logging.Warn().Err(err).Msg("agent wait failed")
}

// terminate soft-kills the agent, then hard-kills after the grace
// period.
func (p *Proxy) terminate() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	proc := p.cmd.Process
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return
	}

	timer := time.AfterFunc(p.cfg.GracePeriod, func() {
		proc.Kill()
	})
	go func() {
		p.cmd.Wait()
		timer.Stop()
	}()
}

func ignoreShutdownErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// relayStderr turns the agent's stderr into structured log records.
func (p *Proxy) relayStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		logging.Debug().Str("stream", "agent-stderr").Msg(scanner.Text())
	}
}

// forwardUpstream relays host lines to the agent verbatim, then hands
// a copy to the extractor. The write happens before extraction so a
// slow auxiliary path never delays the pipe.
func (p *Proxy) forwardUpstream(hostIn io.Reader) error {
	scanner := bufio.NewScanner(hostIn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()

		if err := p.writeAgent(line); err != nil {
			return fmt.Errorf("proxy: write to agent: %w", err)
		}

		p.observe(extractor.Upstream, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("proxy: read from host: %w", err)
	}
	return io.EOF
}

// forwardDownstream relays agent lines to the host, screening fs
// read/write requests against zone policy first. A denied request is
// answered with a synthesized JSON-RPC error on the agent's stdin and
// never reaches the host; everything else is forwarded byte-identical.
func (p *Proxy) forwardDownstream(agentOut io.Reader, hostOut io.Writer) error {
	scanner := bufio.NewScanner(agentOut)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()

		res := p.extract(extractor.Downstream, line)

		if res.FSScreenCandidate != nil && p.deny(line, res.FSScreenCandidate) {
			continue
		}

		if _, err := hostOut.Write(terminated(line)); err != nil {
			return fmt.Errorf("proxy: write to host: %w", err)
		}

		p.apply(res)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("proxy: read from agent: %w", err)
	}
	return io.EOF
}

// deny evaluates a screening candidate against zone policy. It reports
// true when the request was denied and has been answered in-band; the
// caller must then drop the line and discard its observations.
func (p *Proxy) deny(line []byte, req *extractor.FSRequest) bool {
	if p.cfg.Zone.Evaluate(req.Path) == zone.Allow {
		return false
	}

	ts := p.cfg.Now().UnixMilli()
	response := denialResponse(line, req.Path)
	if err := p.writeAgent(response); err != nil {
		logging.Warn().Err(err).Str("path", req.Path).Msg("failed to deliver zone denial")
	}

	p.cfg.Tracker.Observe(wire.Observation{Path: req.Path, Action: wire.ActionBlocked, TimestampMS: ts})

	if p.cfg.Publisher != nil {
		key := p.cfg.Tracker.Key()
		p.cfg.Publisher.Publish(key, wire.ModeSingleAgent, wire.Blocked{
			Type:        wire.TypeBlocked,
			AgentID:     key.AgentID,
			SessionID:   key.SessionID,
			Path:        req.Path,
			Action:      req.Action,
			TimestampMS: ts,
		})
	}

	logging.Info().Str("path", req.Path).Str("action", string(req.Action)).Msg("zone denied fs request")
	return true
}

func (p *Proxy) writeAgent(line []byte) error {
	p.agentInMu.Lock()
	defer p.agentInMu.Unlock()
	_, err := p.agentIn.Write(terminated(line))
	return err
}

// terminated copies line into a fresh newline-terminated buffer.
// Appending to a scanner's token in place would scribble over its read
// buffer.
func terminated(line []byte) []byte {
	out := make([]byte, 0, len(line)+1)
	out = append(out, line...)
	return append(out, '\n')
}

// observe runs extraction and tracking for one already-forwarded
// upstream line.
func (p *Proxy) observe(dir extractor.Direction, line []byte) {
	p.apply(p.extract(dir, line))
}

// extract parses one line under the auxiliary-path budget. Panics are
// contained here and slow calls only earn a warning.
func (p *Proxy) extract(dir extractor.Direction, line []byte) (res extractor.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = extractor.Result{}
			logging.Warn().Any("panic", r).Msg("extractor panicked, message forwarded anyway")
		}
	}()

	start := p.cfg.Now()
	res = p.cfg.Extractor.Extract(dir, line)
	if elapsed := p.cfg.Now().Sub(start); elapsed > p.cfg.ExtractBudget {
		logging.Warn().Dur("elapsed", elapsed).Msg("extraction exceeded budget")
	}
	return res
}

// apply feeds one extraction result into the tracker. As in extract,
// panics are contained and a run over the budget earns a warning.
func (p *Proxy) apply(res extractor.Result) {
	start := p.cfg.Now()
	defer func() {
		if r := recover(); r != nil {
			logging.Warn().Any("panic", r).Msg("tracking panicked, message forwarded anyway")
		}
		if elapsed := p.cfg.Now().Sub(start); elapsed > p.cfg.ExtractBudget {
			logging.Warn().Dur("elapsed", elapsed).Msg("tracking exceeded budget")
		}
	}()

	for _, obs := range res.Observations {
		p.cfg.Tracker.Observe(obs)
	}
	if res.PromptText != "" {
		p.promptMu.Lock()
		p.lastPrompt = res.PromptText
		p.promptMu.Unlock()
	}
	if res.EndOfTurn {
		p.cfg.Tracker.EndTurn()
		if p.cfg.OnTurnEnd != nil {
			p.promptMu.Lock()
			summary := p.lastPrompt
			p.lastPrompt = ""
			p.promptMu.Unlock()
			p.cfg.OnTurnEnd(summary)
		}
	}
	if res.Usage != nil {
		p.cfg.Tracker.ApplyUsage(*res.Usage)
	}
	if res.LearnedSessionID != "" && p.cfg.OnSessionLearned != nil {
		p.cfg.OnSessionLearned(res.LearnedSessionID)
	}
}
