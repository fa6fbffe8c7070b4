package monitor

// see https://github.com/kubernetes/client-go/blob/master/examples/in-cluster-client-configuration/main.go

import (
	"io/ioutil"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

/**
initialise connection to Kubernetes from a pod within the cluster
*/
func InClusterClient() (*kubernetes.Clientset, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, errors.Wrap(err, "could not load in-cluster configuration")
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "could not establish cluster connection")
	}
	return clientset, nil
}

/**
initialise a connection to Kubernetes from outside the cluster. This requires a kubeconfig file (e.g. for kubectl)
to describe how to connect and authorise to the cluster
*/
func OutOfClusterClient(kubeConfigPath string) (*kubernetes.Clientset, error) {
	config, err := clientcmd.BuildConfigFromFlags("", kubeConfigPath)
	if err != nil {
		return nil, errors.Wrapf(err, "could not build out-of-cluster config from %s", kubeConfigPath)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "could not establish cluster connection")
	}
	return clientset, nil
}

/**
in-cluster client if no kubeconfig path is given, otherwise out-of-cluster
*/
func GetK8Client(kubeConfigPath string) (*kubernetes.Clientset, error) {
	if kubeConfigPath == "" {
		return InClusterClient()
	}
	log.Infof("Using kubeconfig %s", kubeConfigPath)
	return OutOfClusterClient(kubeConfigPath)
}

/**
determine the namespace that we are running in, falling back to the given default when
running outside the cluster
*/
func GetMyNamespace(fallback string) string {
	if _, statErr := os.Stat(serviceAccountNamespaceFile); statErr != nil {
		return fallback
	}
	content, readErr := ioutil.ReadFile(serviceAccountNamespaceFile)
	if readErr != nil {
		log.Warnf("Could not read in k8s namespace: %s", readErr)
		return fallback
	}
	return strings.TrimSpace(string(content))
}
