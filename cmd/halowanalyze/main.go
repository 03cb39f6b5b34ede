package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/soypat/halow/spibus"
	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
)

// Optional flags.
var (
	timingsOutput string
)

type BusCtl struct {
	// Bus ordering.
	Order binary.ByteOrder
	// Interpret bytes as words.
	WordInterpreter binary.ByteOrder
	OmitReadData    bool
	OmitRead        bool
	OmitWrite       bool
	// Annotate decodes window, register and page accesses against the
	// geometry table found in the capture.
	Annotate bool
}

func main() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "halowanalyze - Process Binary Saleae digital data files corresponding to halow SPI bus transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	sdio := flag.String("f-sd", "digital_1.bin", "Input filename: SPI SDO/SDI data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS/SS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI CLK data.")
	output := flag.String("o-cmd", "commands.txt", "Output filename of bus transactions.")

	flag.StringVar(&timingsOutput, "o-time", "", "Output timing data to a file corresponding to output command history line-by-line.")
	const defaultOrdering = "le"
	flagInterpretWords := flag.String("interpret-words", "", "Interpret byte data as uint32 words. Accepts 'be' or 'le'. Defaults to bus order.")
	flagOrder := flag.String("order", defaultOrdering, "Bus byte order of command words.")
	omitReadData := flag.Bool("omit-read-data", false, "Choose to omit read data in output.")
	omitReadAll := flag.Bool("omit-read", false, "Choose to omit read commands in output.")
	omitWriteAll := flag.Bool("omit-write", false, "Choose to omit write commands in output.")
	annotate := flag.Bool("annotate", true, "Annotate transactions with window, register and page decodes.")
	flag.Parse()
	if *flagInterpretWords == "" {
		*flagInterpretWords = *flagOrder
	}
	getOrder := func(s string) binary.ByteOrder {
		switch s {
		case "be":
			return binary.BigEndian
		case "le":
			return binary.LittleEndian
		}
		log.Fatal("invalid ordering ", s)
		return nil
	}
	BUS := BusCtl{
		Order:           getOrder(*flagOrder),
		WordInterpreter: getOrder(*flagInterpretWords),
		OmitReadData:    *omitReadData,
		OmitRead:        *omitReadAll,
		OmitWrite:       *omitWriteAll,
		Annotate:        *annotate,
	}
	if BUS.OmitRead && BUS.OmitWrite {
		log.Fatal("cannot omit both read and write commands")
	}
	start := time.Now()
	if err := BUS.run(*sdio, *enable, *clk, *output); err != nil {
		log.Fatal(err.Error())
	}
	slog.Info("finished", slog.Duration("elapsed", time.Since(start)))
}

func (bus *BusCtl) run(sdio, enable, clk, output string) error {
	commands, err := bus.processSpiFiles(sdio, clk, enable)
	if err != nil {
		return err
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()

	var timings *os.File
	if timingsOutput != "" {
		slog.Info("creating timings file", slog.String("name", timingsOutput))
		timings, err = os.Create(timingsOutput)
		if err != nil {
			return err
		}
		defer timings.Close()
	}
	return bus.write(fp, timings, commands)
}

// write prints one line per transaction to w and, if non-nil, its start time to timings.
func (bus *BusCtl) write(w, timings io.Writer, commands []busTx) (err error) {
	const fmtMsg = "cmd×%2d %s data=%#x"
	for _, action := range commands {
		if (bus.OmitRead && !action.Cmd.Write) || (bus.OmitWrite && action.Cmd.Write) {
			continue
		}
		data := action.Data
		if bus.OmitReadData && !action.Cmd.Write {
			data = []byte{}
		}
		_, err = fmt.Fprintf(w, fmtMsg, action.Num, action.Cmd.String(), data)
		if err != nil {
			return err
		}
		if action.Note != "" {
			fmt.Fprintf(w, "  ; %s", action.Note)
		}
		fmt.Fprintln(w)
		if timings != nil {
			fmt.Fprintf(timings, "t=%f\tdata=%#x\n", action.Start, action.Data)
		}
	}
	return nil
}

func (bus *BusCtl) processSpiFiles(fsdio, fclk, fenable string) ([]busTx, error) {
	sdio, err := opendigital(fsdio)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	// Data shares a single line in both directions.
	txs, _ := spi.Scan(clk, enable, sdio, sdio)
	raws := make([]rawTx, len(txs))
	for i := range txs {
		raws[i] = rawTx{SDO: txs[i].SDO, Start: txs[i].StartTime()}
	}
	return bus.process(raws), nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

// CommandFromBytes splits a chip select period into its command word and
// data. ok is false if b is too short to hold a command.
func (bus *BusCtl) CommandFromBytes(b []byte) (cmd spibus.Cmd, data []byte, ok bool) {
	if len(b) < 4 {
		return cmd, b, false
	}
	cmd = spibus.DecodeCmd(bus.Order.Uint32(b))
	data = b[4:]
	if cmd.Fn == spibus.FuncBackplane && !cmd.Write && len(data) > spibus.ReadPadding {
		data = data[spibus.ReadPadding:] // padding.
	}
	return cmd, data, true
}

// rawTx is a single chip select period as captured.
type rawTx struct {
	SDO   []byte
	Start float64
}

type busTx struct {
	// Num is the amount of identical consecutive transactions merged into this one.
	Num   int
	Cmd   spibus.Cmd
	Data  []byte
	Start float64
	Note  string
}

func (bus *BusCtl) process(txs []rawTx) (out []busTx) {
	var tr *tracker
	if bus.Annotate {
		tr = newTracker()
	}
	for i := 0; i < len(txs); i++ {
		tx := txs[i]
		cmd, data, ok := bus.CommandFromBytes(tx.SDO)
		if !ok {
			slog.Warn("short transaction", slog.Float64("t", tx.Start), slog.Int("len", len(tx.SDO)))
			continue
		}
		// Annotate before merging so every access reaches the tracker.
		var note string
		if tr != nil {
			note = tr.observe(cmd, data)
		}
		num := 1
		for j := i + 1; j < len(txs); j++ {
			nextcmd, nextdata, ok := bus.CommandFromBytes(txs[j].SDO)
			if !ok || nextcmd != cmd || !bytes.Equal(data, nextdata) {
				break
			}
			if tr != nil {
				tr.observe(nextcmd, nextdata)
			}
			num++
			i = j
		}
		bus.interpretBytes(data)
		out = append(out, busTx{
			Num:   num,
			Cmd:   cmd,
			Data:  data,
			Start: tx.Start,
			Note:  note,
		})
	}
	return out
}

var interpretOnce sync.Once

func (bus *BusCtl) interpretBytes(data []byte) {
	if bus.WordInterpreter == bus.Order {
		return // Idempotent transformation.
	}
	interpretOnce.Do(func() {
		slog.Info("interpreting bytes as words", slog.String("order", bus.WordInterpreter.String()))
	})
	for len(data) >= 4 {
		word := bus.Order.Uint32(data[:4])
		bus.WordInterpreter.PutUint32(data[:4], word)
		data = data[4:]
	}
}
