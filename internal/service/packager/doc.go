// Package packager builds release bundles and the descriptors registered with the update backend.
package packager
