package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	mfhttp "github.com/tanq16/modelfetch/internal/downloaders/http"
	"github.com/tanq16/modelfetch/internal/downloaders/s3"
	"github.com/tanq16/modelfetch/internal/manager"
	"github.com/tanq16/modelfetch/internal/utils"
)

type Job struct {
	URL        string
	OutputPath string
}

// OutputPathFor derives a destination from the URL when none is given.
func OutputPathFor(job Job) string {
	if job.OutputPath != "" {
		return job.OutputPath
	}
	if s3.IsS3URL(job.URL) {
		if name := s3.FileName(job.URL); name != "" {
			return name
		}
	}
	return utils.FileNameFromURL(job.URL)
}

// Run downloads jobs with at most numWorkers transfers in flight. Every job is
// attempted; the returned error joins the failures.
func Run(ctx context.Context, jobs []Job, numWorkers int, mgr *manager.Manager, register func(id, name string)) error {
	numWorkers = max(numWorkers, 1)
	jobCh := make(chan Job, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := processJobs(ctx, jobCh, mgr, register); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func processJobs(ctx context.Context, jobCh <-chan Job, mgr *manager.Manager, register func(id, name string)) error {
	var errs []error
	for job := range jobCh {
		if ctx.Err() != nil {
			return errors.Join(append(errs, ctx.Err())...)
		}
		dest := OutputPathFor(job)
		// without an explicit path the server's Content-Disposition name wins
		t := mgr.Start(ctx, mfhttp.Request{URL: job.URL, Destination: dest, NameFromServer: job.OutputPath == ""})
		if register != nil {
			register(t.ID(), filepath.Base(dest))
		}
		log.Debug().Str("op", "scheduler/scheduler").Str("id", t.ID()).Str("url", job.URL).Str("dest", dest).Msg("transfer started")
		if err := mgr.Wait(context.Background(), t.ID()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Request().Destination, err))
		}
	}
	return errors.Join(errs...)
}
