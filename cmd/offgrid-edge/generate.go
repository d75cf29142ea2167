package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/takuphilchan/offgrid-edge/internal/inference"
	"github.com/takuphilchan/offgrid-edge/internal/prompt"
)

const (
	generateShortDesc = "Generate a completion and print it when done"
	generateLongDesc  = `Runs one generation session to completion and prints the text.

The prompt is taken from the arguments, or from stdin when none are given
or the only argument is "-". A [SYSTEM]...[/SYSTEM] block in the prompt
becomes the system turn. Ctrl-C stops the session and prints what was
produced so far.`

	streamShortDesc = "Generate a completion, printing tokens as they arrive"
	streamLongDesc  = `Runs one generation session and prints each token as it is produced.

With --raw every event is printed on its own line as transport text; the
last line is "[DONE]" followed by the session metrics as JSON. Ctrl-C
stops the session; the terminal event is still printed.`
)

type generateCommander struct {
	root   *rootCommander
	stream bool
	raw    bool

	maxTokens   int
	format      string
	template    string
	vars        map[string]string
	temperature float32
	topK        int
	topP        float32
	minP        float32
	seed        int64
	penalties   bool
	repeat      float32
	mirostat    int
}

func newGenerateCmd(root *rootCommander, stream bool) *cobra.Command {
	cmder := &generateCommander{root: root, stream: stream}

	cmd := &cobra.Command{
		Use:   "generate [prompt...]",
		Short: generateShortDesc,
		Long:  generateLongDesc,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}
	if stream {
		cmd.Use = "stream [prompt...]"
		cmd.Short = streamShortDesc
		cmd.Long = streamLongDesc
		cmd.Flags().BoolVar(&cmder.raw, "raw", false, "Print transport payloads, one event per line")
	}

	flags := cmd.Flags()
	flags.IntVarP(&cmder.maxTokens, "max-tokens", "n", -1, "Maximum tokens to generate (negative uses the configured default)")
	flags.StringVarP(&cmder.format, "format", "f", "", "Prompt layout: llama, chat or completion")
	flags.StringVar(&cmder.template, "template", "", "Render the prompt from a built-in template")
	flags.StringToStringVar(&cmder.vars, "var", nil, "Template variable as key=value (repeatable)")
	flags.Float32Var(&cmder.temperature, "temperature", 0, "Sampling temperature")
	flags.IntVar(&cmder.topK, "top-k", 0, "Top-K cutoff")
	flags.Float32Var(&cmder.topP, "top-p", 0, "Nucleus cutoff")
	flags.Float32Var(&cmder.minP, "min-p", 0, "Min-P cutoff")
	flags.Int64Var(&cmder.seed, "seed", -1, "Sampling seed (negative for random)")
	flags.BoolVar(&cmder.penalties, "penalties", false, "Apply repetition penalties")
	flags.Float32Var(&cmder.repeat, "repeat-penalty", 0, "Repetition penalty")
	flags.IntVar(&cmder.mirostat, "mirostat", 0, "Mirostat mode (0, 1 or 2)")

	return cmd
}

func (c *generateCommander) run(ctx context.Context, cmd *cobra.Command, args []string) error {
	text, err := c.buildPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	rt, err := c.root.openEngine(ctx)
	if err != nil {
		return err
	}
	defer rt.close(c.root.log)

	if err := c.applySampling(cmd, rt.engine); err != nil {
		return err
	}

	maxTokens := c.maxTokens
	if maxTokens < 0 {
		maxTokens = c.root.cfg.MaxTokens
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		rt.engine.Stop()
	}()

	if c.stream {
		return c.runStream(rt.engine, text, maxTokens)
	}
	return c.runSync(rt, text, maxTokens)
}

func (c *generateCommander) runSync(rt *runtime, text string, maxTokens int) error {
	out := c.root.out
	result, err := rt.engine.Generate(text, maxTokens)
	cancelled := errors.Is(err, inference.ErrCancelled)
	if err != nil && !cancelled {
		if out.JSONMode() {
			return out.Result("generation failed", nil, err)
		}
		return err
	}

	metrics, _ := rt.last.get()
	if out.JSONMode() {
		return out.Result(rt.engine.State().String(), map[string]any{
			"text":    result,
			"metrics": metrics,
		}, nil)
	}

	out.Text(strings.TrimLeft(result, " ") + "\n")
	if cancelled {
		out.Warning("stopped")
	}
	out.Info(summary(metrics))
	return nil
}

func (c *generateCommander) runStream(engine *inference.Engine, text string, maxTokens int) error {
	out := c.root.out
	w := out.Writer()

	var (
		terminal inference.Event
		started  bool
	)
	err := engine.GenerateStream(text, func(ev inference.Event) error {
		if c.raw {
			_, err := fmt.Fprintln(w, ev.Payload())
			if ev.Terminal() {
				terminal = ev
			}
			return err
		}
		if ev.Terminal() {
			terminal = ev
			return nil
		}
		piece := ev.Text
		if !started {
			piece = strings.TrimLeft(piece, " ")
			started = piece != ""
		}
		_, err := io.WriteString(w, piece)
		return err
	}, maxTokens)
	if err != nil {
		return err
	}
	engine.Wait()

	if c.raw {
		return terminal.Err
	}
	fmt.Fprintln(w)
	if m := terminal.Metrics; m != nil {
		out.Info(summary(*m))
	}
	if terminal.Kind == inference.EventError {
		return terminal.Err
	}
	return nil
}

// buildPrompt reads the raw input and shapes it for the model.
func (c *generateCommander) buildPrompt(stdin io.Reader, args []string) (string, error) {
	var raw string
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		if c.template == "" {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return "", fmt.Errorf("reading prompt: %w", err)
			}
			raw = string(data)
		}
	} else {
		raw = strings.Join(args, " ")
	}

	if c.template != "" {
		tmpl, err := prompt.GetTemplate(c.template)
		if err != nil {
			return "", err
		}
		vars := make(map[string]string, len(c.vars)+1)
		for k, v := range c.vars {
			vars[k] = v
		}
		if raw != "" {
			if _, ok := vars[tmpl.Variables[0]]; !ok {
				vars[tmpl.Variables[0]] = raw
			}
		}
		return tmpl.Render(vars)
	}

	if strings.TrimSpace(raw) == "" {
		return "", errors.New("empty prompt")
	}
	return prompt.Build(raw, prompt.ParseKind(c.format)), nil
}

// applySampling pushes changed sampling flags through the engine setters.
func (c *generateCommander) applySampling(cmd *cobra.Command, engine *inference.Engine) error {
	flags := cmd.Flags()
	var setters []func() error
	if flags.Changed("temperature") {
		setters = append(setters, func() error { return engine.SetTemperature(c.temperature) })
	}
	if flags.Changed("top-k") {
		setters = append(setters, func() error { return engine.SetTopK(c.topK) })
	}
	if flags.Changed("top-p") {
		setters = append(setters, func() error { return engine.SetTopP(c.topP) })
	}
	if flags.Changed("min-p") {
		setters = append(setters, func() error { return engine.SetMinP(c.minP) })
	}
	if flags.Changed("seed") {
		setters = append(setters, func() error { return engine.SetSeed(c.seed) })
	}
	if flags.Changed("penalties") {
		setters = append(setters, func() error { return engine.SetPenaltiesEnabled(c.penalties) })
	}
	if flags.Changed("repeat-penalty") {
		setters = append(setters, func() error { return engine.SetRepeatPenalty(c.repeat) })
	}
	if flags.Changed("mirostat") {
		setters = append(setters, func() error { return engine.SetMirostat(c.mirostat) })
	}
	for _, set := range setters {
		if err := set(); err != nil {
			return err
		}
	}
	return nil
}

func summary(m inference.GenerationMetrics) string {
	return fmt.Sprintf("%s: %d tokens in %.2fs (%.1f tok/s, first token %.0fms, context %.1f%%)",
		m.State, m.OutputTokens, m.DurationSeconds, m.TokensPerSecond, m.FirstTokenLatencyMs, m.ContextUsagePercent)
}
