package server

// RunningJob is a background task that can be stopped on demand.
type RunningJob struct {
	stop   chan struct{}
	closed chan struct{}
}

// RequestStop asks the job to stop. It returns immediately; use AwaitStop
// to wait for the job to wind down.
func (job *RunningJob) RequestStop() {
	close(job.stop)
}

// AwaitStop blocks until the job has fully stopped.
func (job *RunningJob) AwaitStop() {
	<-job.closed
}

// SpawnJob runs start in a goroutine and invokes shutdown once a stop is
// requested. The returned job's closed channel is closed after both have
// returned.
func SpawnJob(start func(), shutdown func()) RunningJob {
	stop := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		start()
		close(closed)
	}()
	go func() {
		<-stop
		shutdown()
	}()
	return RunningJob{stop: stop, closed: closed}
}

// CombineJobs merges multiple running jobs into one that stops and awaits
// them all.
func CombineJobs(jobs ...RunningJob) RunningJob {
	stop := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		<-stop
		for _, job := range jobs {
			job.RequestStop()
		}
	}()
	go func() {
		for _, job := range jobs {
			job.AwaitStop()
		}
		close(closed)
	}()
	return RunningJob{stop: stop, closed: closed}
}
