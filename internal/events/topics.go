package events

// Subjects used across the core. Producers are grouped by prefix: pm
// (accounts), de (data engine), ta (indicators), st (strategies), tr (trade
// execution). trading.* are command subjects consumed by the data engine.
const (
	// Account registry.
	PMAccountLoaded   = "pm.account.loaded"
	PMAccountEnabled  = "pm.account.enabled"
	PMAccountDisabled = "pm.account.disabled"
	PMLoadFailed      = "pm.load.failed"
	PMManagerReady    = "pm.manager.ready"
	PMManagerShutdown = "pm.manager.shutdown"

	// Data engine: connections and streams.
	DEClientConnected    = "de.client.connected"
	DEClientConnFailed   = "de.client.connection_failed"
	DEWebsocketConnected = "de.websocket.connected"
	DEWebsocketDropped   = "de.websocket.disconnected"
	DEUserStreamStarted  = "de.user_stream.started"

	// Data engine: market data.
	DESubscribeKline    = "de.subscribe.kline"
	DEGetHistKlines     = "de.get_historical_klines"
	DEHistKlinesSuccess = "de.historical_klines.success"
	DEHistKlinesFailed  = "de.historical_klines.failed"
	DEKlineUpdate       = "de.kline.update"

	// Data engine: trading responses.
	DEOrderSubmitted = "de.order.submitted"
	DEOrderFailed    = "de.order.failed"
	DEOrderCancelled = "de.order.cancelled"
	DEOrderFilled    = "de.order.filled"
	DEOrderUpdate    = "de.order.update"
	DEAccountBalance = "de.account.balance"
	DEAccountUpdate  = "de.account.update"
	DEPositionUpdate = "de.position.update"

	// Trading commands (consumed by the data engine).
	TradingOrderCreate       = "trading.order.create"
	TradingOrderCancel       = "trading.order.cancel"
	TradingGetAccountBalance = "trading.get_account_balance"

	// Indicator engine.
	TACalculationCompleted  = "ta.calculation.completed"
	TAIndicatorCreated      = "ta.indicator.created"
	TAIndicatorCreateFailed = "ta.indicator.create_failed"

	// Strategy engine.
	STStrategyLoaded     = "st.strategy.loaded"
	STStrategyLoadFailed = "st.strategy.load_failed"
	STIndicatorSubscribe = "st.indicator.subscribe"
	STSignalGenerated    = "st.signal.generated"
	STGridCreate         = "st.grid.create"

	// Trade executor.
	TRPositionOpened  = "tr.position.opened"
	TRPositionClosed  = "tr.position.closed"
	TRTaskCreated     = "tr.task.created"
	TRTaskCompleted   = "tr.task.completed"
	TRGridCreated     = "tr.grid.created"
	TRGridMoved       = "tr.grid.moved"
	TRManagerStarted  = "tr.manager.started"
	TRManagerShutdown = "tr.manager.shutdown"

	// System alerts. Never journaled to avoid feedback loops.
	SystemHandlerError = "system.alert.handler_error"
	SystemConnCritical = "system.alert.connection_failed"
)
