// pretender trains a synthetic peripheral model from a recorded MMIO
// trace and replays it against an emulator in place of real hardware.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"

	"gopkg.in/urfave/cli.v2"

	"github.com/go-pretender/pretender/internal/config"
	"github.com/go-pretender/pretender/internal/emulator"
	"github.com/go-pretender/pretender/internal/gateway"
	"github.com/go-pretender/pretender/internal/log"
	"github.com/go-pretender/pretender/internal/modelfile"
	"github.com/go-pretender/pretender/internal/serial"
	"github.com/go-pretender/pretender/internal/train"
	"github.com/go-pretender/pretender/internal/trace"
)

func main() {
	app := &cli.App{
		Name:  "pretender",
		Usage: "record, train, and replay a synthetic MMIO peripheral layer",
		Commands: []*cli.Command{
			recordCommand(),
			trainCommand(),
			replayCommand(),
			inspectCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// recordCommand tees an already-captured stream of access rows to a new
// trace file, re-assigning sequence numbers through a trace.Recorder.
// It is a thin wrapper: the live tee from real hardware into --in's rows
// is the recording front-end's job, out of scope here (§1).
func recordCommand() *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "normalize a captured access stream into a trace log",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Usage: "input access rows (trace format)", Required: true},
			&cli.StringFlag{Name: "out", Usage: "output trace log path", Required: true},
		},
		Action: func(c *cli.Context) error {
			logger := log.DefaultLogger()

			in, err := os.Open(c.String("in"))
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := os.Create(c.String("out"))
			if err != nil {
				return err
			}
			defer out.Close()

			reader := trace.NewReaderWithLogger(in, logger)
			recorder := trace.NewRecorder(out)

			n := 0

			for {
				rec, err := reader.Next()
				if err != nil {
					break
				}

				if err := recorder.Record(rec.Kind, rec.Addr, rec.Value, rec.PC, rec.Size, rec.Timestamp); err != nil {
					return err
				}

				n++
			}

			if err := recorder.Close(); err != nil {
				return err
			}

			logger.Info("record: wrote normalized trace", log.Any("records", n), log.Any("out", c.String("out")))

			return nil
		},
	}
}

// trainCommand runs the cluster/inference/fitting pipeline over a trace
// and writes the resulting peripheral models to a model file.
func trainCommand() *cli.Command {
	return &cli.Command{
		Name:  "train",
		Usage: "fit peripheral models from a recorded trace",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "trace", Usage: "input trace log path", Required: true},
			&cli.StringFlag{Name: "out", Usage: "output model file path", Required: true},
		},
		Action: func(c *cli.Context) error {
			logger := log.DefaultLogger()

			records, err := readTrace(c.String("trace"), logger)
			if err != nil {
				return err
			}

			result, err := train.TrainWithLogger(records, logger)
			if err != nil {
				return err
			}

			for irq, assoc := range result.Associations {
				logger.Info("train: associated interrupt",
					log.Any("irq", irq), log.Any("trigger_addr", assoc.Trigger.Addr),
					log.Any("trigger_mask", assoc.Trigger.Mask), log.Any("oneshot", assoc.Oneshot),
					log.Any("imprecise", assoc.Imprecise))
			}

			if err := modelfile.SaveWithLogger(c.String("out"), result.Models, logger); err != nil {
				return err
			}

			logger.Info("train: wrote model file",
				log.Any("peripherals", len(result.Models)), log.Any("out", c.String("out")))

			return nil
		},
	}
}

// replayCommand loads a trained model file and serves it through a
// gateway.Gateway. Since the emulator itself is an external collaborator
// (§1), this command's demonstration path drives the gateway with a
// recorded WRITE stream (--drive) against an emulator.Stub rather than a
// real CPU, exercising exactly the same Gateway/Model/Interrupter code a
// real emulator would call into.
func replayCommand() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "load a model file and drive it through the MMIO gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Usage: "model file path"},
			&cli.StringFlag{Name: "config", Usage: "firmware memory map (see internal/config.MemoryMap); overrides --model with its model_file"},
			&cli.StringFlag{Name: "drive", Usage: "trace log of WRITEs to replay against the gateway"},
		},
		Action: func(c *cli.Context) error {
			logger := log.DefaultLogger()

			modelPath := c.String("model")

			var mm *config.MemoryMap

			if cfgPath := c.String("config"); cfgPath != "" {
				var err error

				mm, err = config.Load(cfgPath)
				if err != nil {
					return err
				}

				if mm.ModelFile != "" {
					modelPath = mm.ModelFile
				}
			}

			if modelPath == "" {
				return cli.Exit("replay: one of --model or --config (with model_file set) is required", 1)
			}

			models, err := modelfile.LoadWithLogger(modelPath, logger)
			if err != nil {
				return err
			}

			gw := gateway.NewWithLogger(models, logger)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			if mm != nil {
				adapters, closeAdapters, err := openSerialAdapters(ctx, mm, logger)
				if err != nil {
					return err
				}
				defer closeAdapters()

				config.Apply(gw, mm.WithSerialPorts(adapters))
			}

			host := emulator.NewStub()
			gw.SendInterruptsTo(ctx, host)
			defer gw.Shutdown()

			if drivePath := c.String("drive"); drivePath != "" {
				records, err := readTrace(drivePath, logger)
				if err != nil {
					return err
				}

				writes := 0

				for _, r := range records {
					if r.Kind != trace.WRITE {
						continue
					}

					gw.Write(r.Addr, uint32(r.Size), r.Value)
					writes++
				}

				logger.Info("replay: drove gateway with recorded writes", log.Any("count", writes))
			}

			return nil
		},
	}
}

// openSerialAdapters opens one gateway.SerialPort adapter per configured
// virtual serial port: a real UART passthrough when the port names a
// device path, or a shared raw-mode console adapter otherwise. It returns
// a closer that restores/closes every adapter it opened, safe to call
// even if opening failed partway through.
func openSerialAdapters(ctx context.Context, mm *config.MemoryMap, logger *log.Logger) (map[string]gateway.SerialPort, func(), error) {
	adapters := make(map[string]gateway.SerialPort, len(mm.Serial))

	var console *serial.Console

	var passthroughs []*serial.Passthrough

	closeAll := func() {
		if console != nil {
			if err := console.Restore(); err != nil {
				logger.Warn("replay: console restore failed", log.Any("error", err.Error()))
			}
		}

		for _, p := range passthroughs {
			if err := p.Close(); err != nil {
				logger.Warn("replay: serial passthrough close failed", log.Any("error", err.Error()))
			}
		}
	}

	for _, sp := range mm.Serial {
		if sp.Device == "" {
			if console == nil {
				var err error

				console, err = serial.NewConsole(ctx)
				if err != nil {
					closeAll()
					return nil, nil, fmt.Errorf("replay: serial port %q: %w", sp.Name, err)
				}
			}

			adapters[sp.Name] = console

			continue
		}

		p, err := serial.OpenPassthrough(sp.Device, 115200)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("replay: serial port %q: %w", sp.Name, err)
		}

		passthroughs = append(passthroughs, p)
		adapters[sp.Name] = p
	}

	return adapters, closeAll, nil
}

// inspectCommand prints a summary of a trace log or model file, whichever
// --trace or --model selects.
func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "summarize a trace log or model file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "trace", Usage: "trace log path to summarize"},
			&cli.StringFlag{Name: "model", Usage: "model file path to summarize"},
		},
		Action: func(c *cli.Context) error {
			logger := log.DefaultLogger()

			if path := c.String("trace"); path != "" {
				return inspectTrace(path, logger)
			}

			if path := c.String("model"); path != "" {
				return inspectModel(path, logger)
			}

			return cli.Exit("inspect: one of --trace or --model is required", 1)
		},
	}
}

func inspectTrace(path string, logger *log.Logger) error {
	records, err := readTrace(path, logger)
	if err != nil {
		return err
	}

	counts := map[trace.Kind]int{}
	addrs := map[uint32]struct{}{}

	for _, r := range records {
		counts[r.Kind]++

		if r.Kind == trace.READ || r.Kind == trace.WRITE {
			addrs[r.Addr] = struct{}{}
		}
	}

	fmt.Printf("trace: %s\n", path)
	fmt.Printf("  records:     %d\n", len(records))
	fmt.Printf("  reads:       %d\n", counts[trace.READ])
	fmt.Printf("  writes:      %d\n", counts[trace.WRITE])
	fmt.Printf("  enters:      %d\n", counts[trace.ENTER])
	fmt.Printf("  exits:       %d\n", counts[trace.EXIT])
	fmt.Printf("  addresses:   %d\n", len(addrs))

	return nil
}

func inspectModel(path string, logger *log.Logger) error {
	models, err := modelfile.LoadWithLogger(path, logger)
	if err != nil {
		return err
	}

	fmt.Printf("model file: %s\n", path)
	fmt.Printf("  peripherals: %d\n", len(models))

	for i, m := range models {
		addrs := append([]uint32(nil), m.Addresses...)
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

		irq := "none"
		if m.IRQNum != nil {
			irq = fmt.Sprintf("%d (oneshot=%v)", *m.IRQNum, m.Oneshot)
		}

		fmt.Printf("  [%d] addrs=%v states=%d irq=%s\n", i, addrs, len(m.States), irq)
	}

	return nil
}

func readTrace(path string, logger *log.Logger) ([]trace.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return trace.NewReaderWithLogger(f, logger).All()
}
