/*
Package resilience provides a circuit breaker.

termhub runs one breaker per wrapped terminal around its control-socket
probes. A wrapper that stops answering trips the breaker, and an open
breaker is reported as a lost session wrapper instead of retrying forever.

# Usage

	breaker := resilience.New("probe:"+id, resilience.Settings{
		Timeout:     30 * time.Second,
		ReadyToTrip: resilience.ConsecutiveFailures(5),
	})

	status, err := resilience.Call(breaker, func() (tmux.PaneState, error) {
		return server.PaneStatus(target)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                          Open
*/
package resilience
