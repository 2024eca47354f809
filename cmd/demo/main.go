package main

// Demo: starts an agent in-process on a loopback port with a scratch vault,
// registers a few thousand generated files, then
//   1. checksums the whole collection and follows its progress
//   2. starts a remove and cancels it halfway
//   3. removes what is left
//
//   go run ./cmd/demo [-files 2000]

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/catalog"
	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/internal/objstore"
	"github.com/ChuLiYu/bulkop/internal/operation"
	"github.com/ChuLiYu/bulkop/internal/plugins"
	"github.com/ChuLiYu/bulkop/internal/rpc"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

const collection = "/tempZone/home/rods/demo"

func main() {
	files := flag.Int("files", 2000, "number of generated data objects")
	flag.Parse()

	dir, err := os.MkdirTemp("", "bulkop-demo-")
	if err != nil {
		log.Fatalf("Failed to create scratch dir: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := objstore.New(dir, 0)
	if err != nil {
		log.Fatalf("Failed to open vault: %v", err)
	}
	cat, err := catalog.Open(":memory:")
	if err != nil {
		log.Fatalf("Failed to open catalog: %v", err)
	}
	defer cat.Close()

	ctx := context.Background()
	for i := 0; i < *files; i++ {
		logical := path.Join(collection, fmt.Sprintf("run%02d", i%10), fmt.Sprintf("obj%05d.dat", i))
		phys := catalog.PhysicalPath(logical)
		n, err := store.Put(phys, strings.NewReader(strings.Repeat("bulkop ", i%64+1)))
		if err != nil {
			log.Fatalf("Failed to write %s: %v", phys, err)
		}
		if err := cat.Register(ctx, catalog.Object{LogicalPath: logical, PhysicalPath: phys, Size: n}); err != nil {
			log.Fatalf("Failed to register %s: %v", logical, err)
		}
	}
	fmt.Printf("✓ Generated %d data objects under %s\n", *files, collection)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	ep := connpool.Endpoint{
		Host: "127.0.0.1",
		Port: lis.Addr().(*net.TCPAddr).Port,
		User: "rods",
		Zone: "tempZone",
	}

	registry, err := plugins.NewRegistry(cat)
	if err != nil {
		log.Fatalf("Failed to build registry: %v", err)
	}
	ctrl, err := operation.NewController(operation.Config{
		Workers:          8,
		ProgressInterval: 100 * time.Millisecond,
		Connections:      connpool.Options{Endpoint: ep, Size: 4, Factory: rpc.Factory()},
	}, registry)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	g := rpc.NewGRPCServer()
	rpc.NewServer(ctrl, store).Register(g)
	go g.Serve(lis)
	defer g.Stop()
	fmt.Printf("✓ Agent listening on %s\n", ep.Address())

	conn, err := rpc.Dial(ctx, ep)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	fmt.Println("\n── checksum ──────────────────────────────")
	follow(ctx, conn, "checksum", types.Document{plugins.KeyLogicalPath: collection, plugins.KeyRecursive: true}, -1)
	report(ctx, cat)

	fmt.Println("\n── remove, cancelled at 50% ─────────────")
	follow(ctx, conn, "remove", types.Document{plugins.KeyLogicalPath: collection, plugins.KeyRecursive: true}, 50)
	report(ctx, cat)

	fmt.Println("\n── remove the rest ───────────────────────")
	follow(ctx, conn, "remove", types.Document{plugins.KeyLogicalPath: collection, plugins.KeyRecursive: true}, -1)
	report(ctx, cat)

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ctrl.Close(closeCtx); err != nil {
		log.Printf("Controller did not stop cleanly: %v", err)
	}
	fmt.Println("\n✓ Demo finished")
}

// follow starts plugin and polls it; cancelAt >= 0 sends cancel once the
// reported progress reaches it.
func follow(ctx context.Context, conn *rpc.Conn, plugin string, params types.Document, cancelAt int) {
	req := blackboard.Clone(params)
	req[types.KeyRequest] = string(types.RequestOperation)
	req[types.KeyPlugin] = plugin

	start := time.Now()
	reply, err := conn.Execute(ctx, req)
	if err != nil {
		log.Fatalf("%s: %v", plugin, err)
	}

	last := ""
	for !blackboard.Status(reply).Terminal() {
		time.Sleep(100 * time.Millisecond)
		reply, err = conn.Execute(ctx, types.Document{
			types.KeyRequest: string(types.RequestCommand),
			types.KeyPlugin:  plugin,
			types.KeyCommand: string(types.CommandProgress),
		})
		if err != nil {
			log.Fatalf("%s: %v", plugin, err)
		}

		progress, _ := blackboard.String(reply, types.KeyProgress)
		if progress != last {
			fmt.Printf("📊 %-8s %s %3s%%\n", plugin, blackboard.Status(reply), progress)
			last = progress
		}

		var pct int
		fmt.Sscan(progress, &pct)
		if cancelAt >= 0 && pct >= cancelAt {
			cancelAt = -1
			fmt.Printf("⚡ Sending cancel to %s\n", plugin)
			if _, err := conn.Execute(ctx, types.Document{
				types.KeyRequest: string(types.RequestCommand),
				types.KeyPlugin:  plugin,
				types.KeyCommand: string(types.CommandCancel),
			}); err != nil {
				log.Fatalf("cancel: %v", err)
			}
		}
	}

	errs := blackboard.Errors(reply)
	fmt.Printf("✓ %s %s in %s, %v of %v items collected, %d error(s)\n",
		plugin, blackboard.Status(reply), time.Since(start).Round(time.Millisecond),
		reply[types.KeyCollected], reply[types.KeySubmitted], len(errs))
	for i, e := range errs {
		if i == 5 {
			fmt.Printf("  ... %d more\n", len(errs)-5)
			break
		}
		fmt.Printf("  [%d]::[%s]\n", e.Code, e.Message)
	}
}

func report(ctx context.Context, cat *catalog.Catalog) {
	n, err := cat.Count(ctx, collection, true)
	if err != nil {
		log.Fatalf("count: %v", err)
	}
	fmt.Printf("📋 Catalog: %d data objects left\n", n)
}
