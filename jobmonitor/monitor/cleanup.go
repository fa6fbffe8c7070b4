package monitor

import (
	"bytes"
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
)

/**
extract the logs for one container of the given pod and return as a string.
this kinda assumes that the logs are not huge, which is why the tail is limited in config
*/
func extractLogs(ctx context.Context, podClient typedcorev1.PodInterface, podName string, container string, tailLines *int64) (string, error) {
	opts := corev1.PodLogOptions{Container: container, TailLines: tailLines}
	podLogStream, streamErr := podClient.GetLogs(podName, &opts).Stream(ctx)
	if streamErr != nil {
		return "", streamErr
	}
	defer podLogStream.Close()

	buf := new(bytes.Buffer)
	if _, copyErr := io.Copy(buf, podLogStream); copyErr != nil {
		return buf.String(), copyErr
	}
	return buf.String(), nil
}

/**
gets the logs for every container of the given pods and concatenates them, with a header per container.
Containers whose logs can't be read are logged and skipped.
*/
func (m *KubernetesMonitor) collectPodLogs(ctx context.Context, pods []corev1.Pod) string {
	var tailLines *int64
	if m.config.LogTailLines > 0 {
		lines := m.config.LogTailLines
		tailLines = &lines
	}

	var content string
	for _, podInfo := range pods {
		ns := podInfo.Namespace
		if ns == "" {
			ns = m.config.Namespace
		}
		podClient := m.client.CoreV1().Pods(ns)

		containers := make([]corev1.Container, 0, len(podInfo.Spec.InitContainers)+len(podInfo.Spec.Containers))
		containers = append(containers, podInfo.Spec.InitContainers...)
		containers = append(containers, podInfo.Spec.Containers...)

		for _, c := range containers {
			logContent, getLogErr := extractLogs(ctx, podClient, podInfo.Name, c.Name, tailLines)
			if getLogErr != nil {
				m.logger.Warnf("Could not get logs for %s/%s: %s", podInfo.Name, c.Name, getLogErr)
				if logContent == "" {
					continue
				}
			}
			content += fmt.Sprintf("--- %s/%s ---\n%s\n", podInfo.Name, c.Name, logContent)
		}
	}
	return content
}

/**
stops a job by deleting its batch Job, letting kubernetes clean up the pods in the background
*/
type KubernetesJobStopper struct {
	client    kubernetes.Interface
	namespace string
}

func NewKubernetesJobStopper(client kubernetes.Interface, namespace string) *KubernetesJobStopper {
	return &KubernetesJobStopper{client: client, namespace: namespace}
}

func (s *KubernetesJobStopper) Stop(ctx context.Context, backendJobId string) error {
	policy := metav1.DeletePropagationBackground
	delOpts := metav1.DeleteOptions{
		PropagationPolicy: &policy,
	}

	deleteErr := s.client.BatchV1().Jobs(s.namespace).Delete(ctx, backendJobId, delOpts)
	if apierrors.IsNotFound(deleteErr) {
		return nil
	}
	return deleteErr
}
