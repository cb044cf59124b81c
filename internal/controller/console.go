package controller

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
)

// RunConsole 交互式控制台：status / scale <n> / quit。
// 读到 quit、EOF 或 ctx 取消时返回
func (c *Controller) RunConsole(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, "commands: status | scale <n> | quit")
	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(strings.Fields(line), out); quit {
				return nil
			}
		}
	}
}

// handle 执行一条命令，返回 true 表示退出
func (c *Controller) handle(args []string, out io.Writer) bool {
	if len(args) == 0 {
		return false
	}
	switch strings.ToLower(args[0]) {
	case "status":
		c.printStatus(out)
	case "scale":
		if len(args) != 2 {
			fmt.Fprintln(out, "usage: scale <n>")
			return false
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(out, "invalid node count %q\n", args[1])
			return false
		}
		if err := c.ScaleTo(n); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "scaling fleet to %d nodes\n", n)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(out, "unknown command %q\n", args[0])
	}
	return false
}

func (c *Controller) printStatus(out io.Writer) {
	st := c.Status()
	fmt.Fprintf(out, "target=%d live=%d converging=%t\n", st.Target, st.Live, st.Converging)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tENDPOINT\tLOAD")
	for _, n := range c.ListNodes() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\n", n.ID, n.Name, n.State, n.Endpoint, n.LastHealth.Load)
	}
	_ = tw.Flush()
}
