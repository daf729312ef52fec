package dispatcher

import "fmt"

// Topology resolves a language to the set of broker queue names Workers for
// that language subscribe to. The default is one queue per language, which
// is what autoscaling on queue depth expects; Legacy mode recreates the
// older hard-coded-instance-count convention for deployments that still
// rely on it.
type Topology struct {
	Legacy    bool
	Instances map[string]int // language -> instance count, legacy mode only
}

// QueuesFor returns the ordered list of queue names for language. Order is
// significant in legacy mode: instance 1 is always queues[0].
func (t Topology) QueuesFor(language string) []string {
	if !t.Legacy {
		return []string{language + "-executor"}
	}

	n := t.Instances[language]
	if n <= 0 {
		n = 1
	}
	queues := make([]string, n)
	for i := 1; i <= n; i++ {
		queues[i-1] = fmt.Sprintf("%s-executor-%d", language, i)
	}
	return queues
}
