package monitoring

// Reduce applies one action to s and returns the new state. It has no side
// effects; unknown actions return s unchanged.
func Reduce(s State, action Action) State {
	switch a := action.(type) {
	case Loading:
		switch a.Kind {
		case KindGroups:
			s.Groups = startLoading(s.Groups)
		case KindItems:
			s.Items = startLoading(s.Items)
		case KindAlarms:
			s.Alarms = startLoading(s.Alarms)
		case KindValues:
			s.Values = startLoading(s.Values)
		}

	case Failed:
		switch a.Kind {
		case KindGroups:
			s.Groups = fail(s.Groups, a.Err)
		case KindItems:
			s.Items = fail(s.Items, a.Err)
		case KindAlarms:
			s.Alarms = fail(s.Alarms, a.Err)
		case KindValues:
			s.Values = fail(s.Values, a.Err)
		}

	case GroupsLoaded:
		s.Groups = load(s.Groups, a.Data, a.Silent)
	case ItemsLoaded:
		s.Items = load(s.Items, a.Data, a.Silent)
	case AlarmsLoaded:
		s.Alarms = load(s.Alarms, a.Data, a.Silent)
	case ValuesLoaded:
		s.Values = load(s.Values, a.Data, a.Silent)

	case InitializeFromStorage:
		s.IsDataSynced = a.IsDataSynced
		if a.IsDataSynced {
			s.Groups = Collection[Group]{Data: a.Groups}
			s.Items = Collection[Item]{Data: a.Items}
			s.Alarms = Collection[Alarm]{Data: a.Alarms}
		} else {
			// An unsynced store may hold a partial earlier sync.
			s.Groups = Collection[Group]{}
			s.Items = Collection[Item]{}
			s.Alarms = Collection[Alarm]{}
		}
		if a.BackgroundRefresh != nil {
			s.BackgroundRefresh = *a.BackgroundRefresh
		}

	case SetDataSynced:
		s.IsDataSynced = a.Synced

	case ClearAll:
		refresh := s.BackgroundRefresh
		s = Initial()
		s.BackgroundRefresh = refresh

	case ResetMonitoring:
		s = Initial()
		if a.BackgroundRefresh != nil {
			s.BackgroundRefresh = *a.BackgroundRefresh
		}

	case SetCurrentFolderID:
		s.CurrentFolderID = a.ID

	case SetBackgroundRefreshConfig:
		last := s.BackgroundRefresh.LastRefreshTime
		s.BackgroundRefresh = a.Config
		s.BackgroundRefresh.LastRefreshTime = last

	case SetLastRefreshTime:
		s.BackgroundRefresh.LastRefreshTime = a.At

	case ActiveAlarmsFetchStart:
		s.ActiveAlarms = s.ActiveAlarms.FetchStarted()
	case ActiveAlarmsFetchSuccess:
		s.ActiveAlarms = s.ActiveAlarms.FetchResolved(a.Count, a.Highest, a.At)
	case ActiveAlarmsFetchError:
		s.ActiveAlarms = s.ActiveAlarms.FetchFailed(a.Err)
	case ActiveAlarmsStreamUpdate:
		s.ActiveAlarms = s.ActiveAlarms.StreamUpdate(a.Count, a.Highest, a.At)
	case SetStreamStatus:
		s.ActiveAlarms = s.ActiveAlarms.WithStatus(a.Status, a.Err)
	}
	return s
}

func startLoading[T any](c Collection[T]) Collection[T] {
	c.Loading = true
	c.Error = nil
	return c
}

func fail[T any](c Collection[T], err error) Collection[T] {
	c.Loading = false
	c.Error = err
	return c
}

func load[T any](c Collection[T], data []T, silent bool) Collection[T] {
	c.Data = data
	if !silent {
		c.Loading = false
		c.Error = nil
	}
	return c
}
