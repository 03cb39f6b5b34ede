package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/soypat/halow"
	"github.com/soypat/halow/internal/chipsim"
	"github.com/soypat/halow/wire"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to a simulated chip, exchange frames and commands, and print statistics",
	Args:  cobra.NoArgs,
	RunE:  run,
}

var geometryCmd = &cobra.Command{
	Use:   "geometry",
	Short: "Print the geometry table the simulated chip publishes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ccfg, err := chipConfig(cmd)
		if err != nil {
			return err
		}
		geo := chipsim.New(ccfg).Geometry()
		printGeometry(cmd.OutOrStdout(), &geo)
		return nil
	},
}

func init() {
	flags := runCmd.Flags()
	flags.Int("frames", 1000, "data frames to send, spread over the four access categories")
	flags.Int("payload", 128, "payload size of each data frame")
	flags.Bool("loopback", true, "chip echoes every data frame back to the host")
	flags.Bool("batching", true, "batch pager register accesses")
	flags.Bool("power-save", false, "let the bus sleep when idle")
	flags.Duration("timeout", 10*time.Second, "overall run timeout")
	flags.Duration("command-timeout", 600*time.Millisecond, "command confirm timeout")
	rootCmd.AddCommand(runCmd, geometryCmd)
}

type runResult struct {
	statuses [halow.StatusFlushed + 1]atomic.Int64
	received atomic.Int64
	events   atomic.Int64
	elapsed  time.Duration
}

func run(cmd *cobra.Command, args []string) error {
	log, err := newLogger(cmd)
	if err != nil {
		return err
	}
	ccfg, err := chipConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	frames, _ := flags.GetInt("frames")
	payloadSize, _ := flags.GetInt("payload")
	loopback, _ := flags.GetBool("loopback")
	timeout, _ := flags.GetDuration("timeout")

	var res runResult
	cfg := halow.DefaultConfig()
	cfg.Logger = log
	cfg.PagerBatching, _ = flags.GetBool("batching")
	cfg.PowerSave, _ = flags.GetBool("power-save")
	cfg.PageChecksum, _ = flags.GetBool("checksum")
	cfg.CommandTimeout, _ = flags.GetDuration("command-timeout")
	cfg.Receive = func(wire.Channel, []byte) { res.received.Add(1) }
	cfg.EventHandler = func(ev halow.Event) {
		res.events.Add(1)
		log.Info("event", slog.String("id", ev.ID.String()), slog.Uint64("vif", uint64(ev.VIF)))
	}

	chip := chipsim.New(ccfg)
	chip.SetLoopback(loopback)
	d := halow.New(chip, cfg)
	chip.SetIRQ(d.HandleIRQ)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	err = d.Attach(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	if payloadSize <= 0 || wire.PageHeaderLen+payloadSize > int(d.Geometry().PageSize) {
		return fmt.Errorf("payload size %d does not fit a %d byte page", payloadSize, d.Geometry().PageSize)
	}
	err = d.Start(ctx)
	if err != nil {
		return err
	}

	version, err := d.GetVersion(ctx)
	if err != nil {
		return err
	}
	vif, err := d.AddInterface(ctx, wire.IfaceSTA, [6]byte{0x02, 0x48, 0x61, 0x4c, 0x6f, 0x57})
	if err != nil {
		return err
	}
	err = d.SetChannel(ctx, wire.SetChannelReq{FreqKHz: 902500, OpBW: wire.BW2MHz, PrimaryBW: wire.BW1MHz})
	if err != nil {
		return err
	}
	log.Info("attached", slog.String("version", version), slog.Uint64("vif", uint64(vif)), slog.String("pager", ccfg.PagerKind.String()))

	start := time.Now()
	err = sendFrames(ctx, d, &res, frames, payloadSize)
	res.elapsed = time.Since(start)
	if err != nil {
		return err
	}
	if loopback {
		// Echoed frames trail their transmit status.
		for res.received.Load() < int64(frames) && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
	}
	printResult(cmd.OutOrStdout(), d.Stats(), &res)
	return d.Err()
}

// sendFrames sends frames and waits for all of them to complete.
func sendFrames(ctx context.Context, d *halow.Device, res *runResult, frames, payloadSize int) error {
	var wg sync.WaitGroup
	done := func(_ *halow.Frame, st halow.FrameStatus) {
		res.statuses[st].Add(1)
		wg.Done()
	}
	for i := 0; i < frames; i++ {
		payload := make([]byte, payloadSize)
		payload[0] = byte(i)
		ch := wire.Channel(i % wire.NumDataChannels)
		wg.Add(1)
		for {
			_, err := d.Send(ch, payload, done)
			if err == nil {
				break
			} else if !errors.Is(err, halow.ErrQueueFull) {
				wg.Done()
				return err
			}
			select {
			case <-ctx.Done():
				wg.Done()
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}
	complete := make(chan struct{})
	go func() {
		wg.Wait()
		close(complete)
	}()
	select {
	case <-complete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printResult(w io.Writer, st halow.Stats, res *runResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "elapsed\t%s\n", res.elapsed.Round(time.Millisecond))
	for s := halow.StatusSent; s <= halow.StatusFlushed; s++ {
		if n := res.statuses[s].Load(); n > 0 {
			fmt.Fprintf(tw, "frames %s\t%d\n", s, n)
		}
	}
	fmt.Fprintf(tw, "frames received\t%d\n", res.received.Load())
	fmt.Fprintf(tw, "events\t%d\n", res.events.Load())
	fmt.Fprintf(tw, "dispatch passes\t%d\n", st.Dispatch.Passes)
	fmt.Fprintf(tw, "pages written/read\t%d/%d\n", st.ToChip.Written, st.FromChip.Read)
	fmt.Fprintf(tw, "pages corrupt\t%d\n", st.FromChip.Corrupt)
	fmt.Fprintf(tw, "pages held\t%d\n", st.HeldPages)
	fmt.Fprintf(tw, "commands sent/retried/timed out\t%d/%d/%d\n", st.Command.Sent, st.Command.Retries, st.Command.Timeouts)
	fmt.Fprintf(tw, "pause/resume\t%d/%d\n", st.Dispatch.Paused, st.Dispatch.Resumed)
}

func printGeometry(w io.Writer, geo *wire.Geometry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "version\t%d\n", geo.Version)
	fmt.Fprintf(tw, "pager kind\t%s\n", geo.PagerKind)
	fmt.Fprintf(tw, "page size\t%d\n", geo.PageSize)
	fmt.Fprintf(tw, "pages total/return/reserved\t%d/%d/%d\n", geo.TotalPages, geo.ReturnPages, geo.ReservedPages)
	fmt.Fprintf(tw, "irq status/clear\t%#x/%#x\n", geo.IRQStatusAddr, geo.IRQClearAddr)
	fmt.Fprintf(tw, "notify\t%#x\n", geo.NotifyAddr)
	for i, p := range geo.Pagers {
		if hw, ok := p.HW(); ok {
			fmt.Fprintf(tw, "pager %d\tpop=%#x put=%#x bit=%#x\n", i, hw.PopAddr, hw.PutAddr, hw.NotifyBit)
		} else if sw, ok := p.SW(); ok {
			fmt.Fprintf(tw, "pager %d\tring=%#x count=%d state=%#x bit=%#x\n", i, sw.RingAddr, sw.RingCount, sw.StateAddr, sw.NotifyBit)
		}
	}
}
