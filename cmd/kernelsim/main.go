// Command kernelsim boots a simulated kernel, spawns a handful of
// processes across the Fair, RT and Deadline classes, drives a few
// hundred timer ticks and a load-balancing pass, and prints the
// resulting scheduler status. It plays a demo boot + smoke test role,
// covering this core's two subsystems.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vanta-os/kernel/internal/kernel"
)

func main() {
	cfg := kernel.DefaultKernelConfig()
	k := kernel.New(cfg, 1<<20) // 1Mi pages simulated

	fmt.Println("=== kernelsim boot ===")
	fmt.Printf("cpus=%d page_size=%d target_latency=%s\n", cfg.NumCPUs, cfg.PageSize, cfg.TargetLatency)

	for i := 0; i < 8; i++ {
		p, t := k.Spawn()
		t.Fair.Nice = i%5 - 2
		fmt.Printf("spawned process %d thread %d on cpu %d\n", p.ID, t.ID, t.AssignedCPU)
	}

	rtProc, rtThread := k.Spawn()
	reason, err := k.SetSched(rtThread.AssignedCPU, rtThread, kernel.SetSchedRequest{
		Class: kernel.ClassRT,
		RT: kernel.RTParams{
			Priority: 50,
			Policy:   kernel.RTRoundRobin,
			Slice:    5 * time.Millisecond,
			Runtime:  5 * time.Millisecond,
			Period:   100 * time.Millisecond,
		},
	})
	if err != nil {
		fmt.Printf("rt admission rejected for process %d: %s\n", rtProc.ID, reason)
	} else {
		fmt.Printf("process %d promoted to RT priority 50\n", rtProc.ID)
	}

	ddProc, ddThread := k.Spawn()
	reason, err = k.SetSched(ddThread.AssignedCPU, ddThread, kernel.SetSchedRequest{
		Class: kernel.ClassDeadline,
		Deadline: kernel.DeadlineParams{
			Runtime:  2 * time.Millisecond,
			Deadline: 8 * time.Millisecond,
			Period:   10 * time.Millisecond,
		},
	})
	if err != nil {
		fmt.Printf("deadline admission rejected for process %d: %s\n", ddProc.ID, reason)
	} else {
		fmt.Printf("process %d promoted to Deadline class\n", ddProc.ID)
	}

	k.RunTicks(500)
	if err := k.RunLoadBalancePass(context.Background()); err != nil {
		fmt.Printf("load balance pass failed: %v\n", err)
	}

	fmt.Println("=== status ===")
	fmt.Println(k.GetStatus())
}
