// Package redis opens the shared Redis connection used for the training job
// queue and for conversation bindings and trace history.
package redis
