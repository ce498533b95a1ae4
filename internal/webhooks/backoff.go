package webhooks

// retryDelays is the fixed retry schedule in seconds, indexed by the number of
// failed attempts so far: 1m, 5m, 15m, 1h, 2h.
var retryDelays = [...]int{60, 300, 900, 3600, 7200}

// backoffSeconds returns the delay before the next retry after `attempt`
// cumulative failed attempts (attempt >= 1). Attempts past the end of the
// table reuse the last entry.
func backoffSeconds(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	i := attempt - 1
	if i >= len(retryDelays) {
		i = len(retryDelays) - 1
	}
	return retryDelays[i]
}
