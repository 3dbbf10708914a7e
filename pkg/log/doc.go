/*
Package log provides structured logging for Kiln built on zerolog.

Init configures the global logger once at startup from the loaded
configuration; components then derive child loggers with WithComponent,
WithWorkerID, or WithTaskID so every line carries its origin.
*/
package log
