// Package reaper implements the Pod/Workload Reaper (spec §4.8): watches
// the cluster's pod lifecycle stream and deletes terminal evaluation
// workloads once they've aged past a grace window, while preserving
// anything flagged for debugging.
//
// Grounded on original_source/cleanup_controller/cleanup_controller.py,
// translated line for line: the watch/should-delete/delete-with-404-noop
// sequence is the same, swapping the kubernetes Python client for
// k8s.io/client-go.
package reaper

import (
	"context"
	"log"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Config mirrors cleanup_controller.py's environment-variable knobs.
type Config struct {
	Namespace          string
	WatchAllNamespaces bool
	DeleteGracePeriod  int64
	PreserveDebugPods  bool
	MinAge             time.Duration
	StreamBackoff      time.Duration
}

// DefaultConfig matches the original's defaults.
var DefaultConfig = Config{
	Namespace:         "crucible",
	DeleteGracePeriod: 0,
	PreserveDebugPods: true,
	MinAge:            10 * time.Second,
	StreamBackoff:     5 * time.Second,
}

var terminalPhases = map[corev1.PodPhase]bool{
	corev1.PodFailed:    true,
	corev1.PodSucceeded: true,
}

// shouldDelete implements should_delete_pod, kept pure at package scope
// (unexported, tested in-package) so its decision table can
// be verified without a live cluster.
func shouldDelete(pod *corev1.Pod, cfg Config, now time.Time) bool {
	if cfg.PreserveDebugPods {
		ann := pod.GetAnnotations()
		if ann["debug"] == "true" || ann["preserve"] == "true" {
			return false
		}
	}

	if !terminalPhases[pod.Status.Phase] {
		return false
	}

	if pod.Status.Phase == corev1.PodSucceeded {
		if pod.GetLabels()["app"] != "evaluation" {
			return false
		}
	}

	age := now.Sub(pod.GetCreationTimestamp().Time)
	if age < cfg.MinAge {
		return false
	}

	return true
}

// Reaper watches and deletes terminal evaluation pods.
type Reaper struct {
	clientset kubernetes.Interface
	cfg       Config
	logger    *log.Logger
	// now is overridable in tests; production code always uses time.Now.
	now func() time.Time
}

// New constructs a Reaper over an existing client-go clientset.
func New(clientset kubernetes.Interface, cfg Config, logger *log.Logger) *Reaper {
	return &Reaper{clientset: clientset, cfg: cfg, logger: logger, now: time.Now}
}

// Run watches the pod list (namespaced or cluster-wide per cfg) and deletes
// qualifying pods until ctx is cancelled, restarting the watch with
// StreamBackoff on a transient stream error -- the same retry shape as the
// original's outer `while True` loop around cleanup_failed_pods().
func (r *Reaper) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.watchOnce(ctx); err != nil {
			r.logger.Printf("reaper: watch stream failed: %v; restarting in %s", err, r.cfg.StreamBackoff)
			select {
			case <-time.After(r.cfg.StreamBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (r *Reaper) watchOnce(ctx context.Context) error {
	pods := r.clientset.CoreV1().Pods(r.namespace())
	watcher, err := pods.Watch(ctx, metav1.ListOptions{})
	if err != nil {
		return err
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return nil // channel closed: treat as a transient stream end, restart
			}
			if event.Type != "ADDED" && event.Type != "MODIFIED" {
				continue
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			r.maybeDelete(ctx, pod)
		}
	}
}

func (r *Reaper) maybeDelete(ctx context.Context, pod *corev1.Pod) {
	if !shouldDelete(pod, r.cfg, r.now()) {
		return
	}

	grace := r.cfg.DeleteGracePeriod
	err := r.clientset.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	switch {
	case err == nil:
		r.logger.Printf("reaper: deleted %s pod %s/%s", pod.Status.Phase, pod.Namespace, pod.Name)
	case apierrors.IsNotFound(err):
		// already gone; a no-op, matching the original's 404 handling
	default:
		r.logger.Printf("reaper: error deleting pod %s/%s: %v", pod.Namespace, pod.Name, err)
	}
}

func (r *Reaper) namespace() string {
	if r.cfg.WatchAllNamespaces {
		return metav1.NamespaceAll
	}
	return r.cfg.Namespace
}
