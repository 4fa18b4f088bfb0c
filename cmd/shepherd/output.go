package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/loykin/shepherd"
	"github.com/loykin/shepherd/internal/watchdog"
)

func printJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	_, _ = fmt.Fprintln(w, string(b))
}

func printStatus(w io.Writer, st shepherd.Status) {
	if st.Running {
		_, _ = fmt.Fprintf(w, "supervisor: running (pid %d, mode %s, since %s)\n",
			st.PID, st.Mode, st.StartedAt.Local().Format(time.DateTime))
	} else {
		_, _ = fmt.Fprintf(w, "supervisor: stopped (mode %s)\n", st.Mode)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tKIND\tHEALTH\tPID\tRESTARTS\tDETAIL")
	for _, s := range st.Services {
		health := "healthy"
		switch {
		case s.BudgetExhausted:
			health = "exhausted"
		case !s.Healthy:
			health = "down"
		}
		detail := s.Detail
		if s.LastError != "" {
			detail = s.LastError
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.Name, s.Kind, health, pidText(s.PID), s.RestartCount, detail)
	}
	_ = tw.Flush()
}

func printWatchdog(w io.Writer, results []watchdog.Result) {
	if len(results) == 0 {
		_, _ = fmt.Fprintln(w, "no process services to check")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tHEALTHY\tOUTCOME\tDETAIL")
	for _, r := range results {
		detail := r.Detail
		if r.Err != nil {
			detail = r.Err.Error()
		}
		outcome := string(r.Outcome)
		if outcome == "" {
			outcome = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", r.Service, r.Healthy, outcome, detail)
	}
	_ = tw.Flush()
}

func printPool(w io.Writer, sum shepherd.PoolSummary) {
	if !sum.Initialized {
		_, _ = fmt.Fprintln(w, "runner pool not initialized (run: shepherd pool init)")
		return
	}
	_, _ = fmt.Fprintf(w, "runners: %d total, %d idle, %d running, %d error (max parallel workflows %d)\n",
		sum.Total, sum.Idle, sum.Running, sum.Error, sum.MaxParallelWorkflows)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tPROFILE\tGPU\tSTATUS\tTASK\tDONE")
	for _, r := range sum.Runners {
		gpu := "-"
		if r.GPUID != nil {
			gpu = strconv.Itoa(*r.GPUID)
		}
		task := r.CurrentTask
		if task == "" {
			task = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.ID, r.Name, r.Profile, gpu, r.Status, task, r.TasksCompleted)
	}
	_ = tw.Flush()
}

func pidText(pid int) string {
	if pid == 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}
