package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/RaphaelDarley/messagedisk/internal/client"
	"github.com/RaphaelDarley/messagedisk/internal/model"
)

// ringFlags are the flags shared by most commands.
type ringFlags struct {
	fs     *flag.FlagSet
	ring   *uint64
	target *string
	chunks *uint64
}

func newRingFlags(name string) *ringFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return &ringFlags{
		fs:     fs,
		ring:   fs.Uint64("ring", 0, "ring id"),
		target: fs.String("target", "", "entry node (ip:port)"),
		chunks: fs.Uint64("chunks", 0, "number of chunks (0 uses the node default)"),
	}
}

func (f *ringFlags) parse(args []string, needRing, needTarget bool) error {
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	if needRing && *f.ring == 0 {
		return fmt.Errorf("-ring is required")
	}
	if needTarget && *f.target == "" {
		return fmt.Errorf("-target is required")
	}
	return nil
}

func (f *ringFlags) id() model.RingID {
	return model.RingID(*f.ring)
}

func runCreate(ctx context.Context, c *client.Client, args []string) error {
	f := newRingFlags("create")
	if err := f.parse(args, false, false); err != nil {
		return err
	}
	id, err := c.Create(ctx, f.id(), *f.chunks)
	if err != nil {
		return err
	}
	color.Green("created ring %s\n", id)
	return nil
}

func runJoin(ctx context.Context, c *client.Client, args []string) error {
	f := newRingFlags("join")
	if err := f.parse(args, true, false); err != nil {
		return err
	}
	if err := c.Join(ctx, f.id(), *f.target, *f.chunks); err != nil {
		return err
	}
	color.Green("joined ring %s\n", f.id())
	return nil
}

func runStart(ctx context.Context, c *client.Client, args []string) error {
	f := newRingFlags("start")
	if err := f.parse(args, true, true); err != nil {
		return err
	}
	if err := c.Start(ctx, f.id(), *f.target, *f.chunks); err != nil {
		return err
	}
	color.Green("started ring %s through %s\n", f.id(), *f.target)
	return nil
}

func runInject(ctx context.Context, c *client.Client, args []string) error {
	f := newRingFlags("inject")
	if err := f.parse(args, true, true); err != nil {
		return err
	}
	if err := c.Inject(ctx, f.id(), *f.target, *f.chunks); err != nil {
		return err
	}
	color.Green("injected ring %s at %s\n", f.id(), *f.target)
	return nil
}

func runRead(ctx context.Context, c *client.Client, args []string) error {
	f := newRingFlags("read")
	chunk := f.fs.Uint64("chunk", 0, "chunk index")
	if err := f.parse(args, true, false); err != nil {
		return err
	}
	data, err := c.Read(ctx, f.id(), *chunk)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runWrite(ctx context.Context, c *client.Client, args []string) error {
	f := newRingFlags("write")
	chunk := f.fs.Uint64("chunk", 0, "chunk index")
	file := f.fs.String("file", "", "file holding exactly one chunk (default stdin)")
	if err := f.parse(args, true, false); err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if *file != "" {
		fh, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer fh.Close()
		in = fh
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}

	if err := c.Write(ctx, f.id(), *chunk, data); err != nil {
		return err
	}
	color.Green("wrote chunk %d of ring %s\n", *chunk, f.id())
	return nil
}

func runDump(ctx context.Context, c *client.Client, args []string) error {
	f := newRingFlags("dump")
	out := f.fs.String("out", "", "output file (default stdout)")
	if err := f.parse(args, true, false); err != nil {
		return err
	}

	dev, err := client.NewBlockDevice(ctx, c, f.id(), 0)
	if err != nil {
		return err
	}

	w := os.Stdout
	if *out != "" {
		fh, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer fh.Close()
		w = fh
	}

	bw := bufio.NewWriter(w)
	buf := make([]byte, 64*dev.ChunkSize())
	for off := int64(0); off < dev.Size(); {
		n, err := dev.ReadAtContext(ctx, buf, off)
		if n > 0 {
			if _, werr := bw.Write(buf[:n]); werr != nil {
				return werr
			}
			off += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if *out != "" {
		color.Green("dumped %d bytes of ring %s to %s\n", dev.Size(), f.id(), *out)
	}
	return nil
}

func runLoad(ctx context.Context, c *client.Client, args []string) error {
	f := newRingFlags("load")
	in := f.fs.String("in", "", "input file")
	offset := f.fs.Int64("offset", 0, "byte offset on the ring")
	if err := f.parse(args, true, false); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("-in is required")
	}

	dev, err := client.NewBlockDevice(ctx, c, f.id(), 0)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(*in)
	if err != nil {
		return err
	}

	n, err := dev.WriteAtContext(ctx, data, *offset)
	if err == io.EOF {
		color.Yellow("ring %s holds %d bytes; %d of %d bytes written\n", f.id(), dev.Size(), n, len(data))
		return nil
	}
	if err != nil {
		return err
	}
	color.Green("loaded %d bytes into ring %s at offset %d\n", n, f.id(), *offset)
	return nil
}

func runDiscover(ctx context.Context, c *client.Client, args []string) error {
	rings, err := c.Discover(ctx)
	if err != nil {
		return err
	}
	if len(rings) == 0 {
		color.Yellow("no rings hosted\n")
		return nil
	}
	for _, r := range rings {
		fmt.Printf("%s\t%d chunks\n", color.CyanString(r.RingID.String()), r.ChunkNum)
	}
	return nil
}

func runStatus(ctx context.Context, c *client.Client, args []string) error {
	f := newRingFlags("status")
	if err := f.parse(args, true, false); err != nil {
		return err
	}
	st, err := c.Status(ctx, f.id())
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runCluster(ctx context.Context, c *client.Client, args []string) error {
	resp, err := c.Cluster(ctx)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runShutdown(ctx context.Context, c *client.Client, args []string) error {
	if err := c.Shutdown(ctx); err != nil {
		return err
	}
	color.Yellow("node shutting down\n")
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
