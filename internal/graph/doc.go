// Package graph models the node/edge pipelines submitted to the generation
// server and builds text-to-image graphs for the sd-1 and sdxl families.
//
// Graphs are plain values: Build never performs I/O beyond reading the
// catalog's cached VAE list, and identical inputs encode to identical JSON.
package graph
