package queue

// Stats is a point-in-time summary of the queue: totals grouped by status
// and by priority, over every job the queue knows about.
type Stats struct {
	Total      int            `json:"total"`
	Depth      int            `json:"depth"`
	ByStatus   map[Status]int `json:"by_status"`
	ByPriority map[string]int `json:"by_priority"`
}

// Job returns a copy of the job record, or false when unknown.
func (q *Queue) Job(jobID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

// QueuedJobs returns copies of jobs waiting for dispatch, in heap order
// (not strictly sorted; use Depth for counting).
func (q *Queue) QueuedJobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, q.pending.Len())
	for _, it := range q.pending {
		out = append(out, it.job.clone())
	}
	return out
}

// RunningJobs returns copies of all jobs currently executing.
func (q *Queue) RunningJobs() []*Job {
	return q.filter(func(j *Job) bool { return j.Status == StatusRunning })
}

// RobotJobs returns copies of all jobs ever assigned to the robot.
func (q *Queue) RobotJobs(robotID string) []*Job {
	return q.filter(func(j *Job) bool { return j.RobotID == robotID })
}

func (q *Queue) filter(keep func(*Job) bool) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, j := range q.jobs {
		if keep(j) {
			out = append(out, j.clone())
		}
	}
	return out
}

// Depth is the number of jobs still queued, not yet dequeued.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Stats aggregates totals by status and by priority across all known jobs.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Total:      len(q.jobs),
		Depth:      q.pending.Len(),
		ByStatus:   map[Status]int{},
		ByPriority: map[string]int{},
	}
	for _, j := range q.jobs {
		st.ByStatus[j.Status]++
		st.ByPriority[j.Priority.String()]++
	}
	return st
}
