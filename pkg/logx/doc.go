// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so services can hold a Logger value whose level and sinks can be
// reconfigured at runtime (config hot reload) without re-plumbing loggers
// through every constructor.
package logx
